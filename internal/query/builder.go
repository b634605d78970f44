package query

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wesm/msgnarrow/internal/narrow"
	"github.com/wesm/msgnarrow/internal/search"
	"github.com/wesm/msgnarrow/internal/store"
	"github.com/wesm/msgnarrow/internal/textutil"
)

// Directory is the lookup surface the builder needs. *store.Store
// implements it.
type Directory interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	UserByEmail(ctx context.Context, realmID int64, email string) (*store.User, error)
	StreamByName(ctx context.Context, realmID int64, name string) (*store.Stream, error)
	ActiveStreams(ctx context.Context, realmID int64) ([]store.Stream, error)
	IsSubscribed(ctx context.Context, userID, streamID int64) (bool, error)
	MutedStreamRecipientIDs(ctx context.Context, userID int64) ([]int64, error)
	TopicPolicies(ctx context.Context, userID, streamID int64) ([]store.TopicPolicy, error)
	HuddleRecipientID(ctx context.Context, userIDs []int64) (int64, bool, error)
	HuddleRecipientIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	FTS5Available() bool
}

var _ Directory = (*store.Store)(nil)

// Options adjust how narrow terms are interpreted.
type Options struct {
	// LegacyBridgeTopicMatching enables the loose stream and topic matching
	// used by realms bridged from a legacy messaging system.
	LegacyBridgeTopicMatching bool
}

// Builder turns a narrow into a Plan for one user.
type Builder struct {
	dir    Directory
	user   *store.User
	opts   Options
	logger *slog.Logger
}

// NewBuilder creates a builder for user.
func NewBuilder(dir Directory, user *store.User, opts Options, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{dir: dir, user: user, opts: opts, logger: logger}
}

// Build interprets n into a validated plan. The access regime is chosen
// before any term is applied.
func (b *Builder) Build(ctx context.Context, n narrow.Narrow) (*Plan, error) {
	p := newPlan(b.user.ID)

	recipientID, ok, err := b.fullHistoryRecipient(ctx, n)
	if err != nil {
		return nil, err
	}
	if ok {
		p.fullHistory = true
		p.pinnedRecipient = recipientID
	}

	for _, t := range n {
		pred, apply, err := b.termPredicate(ctx, t, n)
		if err != nil {
			return nil, err
		}
		if !apply {
			continue
		}
		p = p.With(pred)
		if t.Operator == narrow.OpSearch && !t.Negated {
			p = p.withSearch(search.Parse(t.Operand))
		}
	}

	b.logger.Debug("narrow plan built",
		"user_id", b.user.ID,
		"narrow", n.String(),
		"regime", p.Regime().String(),
		"predicates", len(p.preds))
	return p, nil
}

// fullHistoryRecipient reports whether n proves the user may read the
// whole history of one stream, and returns that stream's recipient id.
func (b *Builder) fullHistoryRecipient(ctx context.Context, n narrow.Narrow) (int64, bool, error) {
	if b.opts.LegacyBridgeTopicMatching || b.user.IsGuest || n.HasOperator(narrow.OpIs) {
		return 0, false, nil
	}
	name, ok := n.PinnedStream()
	if !ok {
		return 0, false, nil
	}
	st, err := b.dir.StreamByName(ctx, b.user.RealmID, name)
	if err != nil {
		return 0, false, fmt.Errorf("resolve stream %q: %w", name, err)
	}
	if st == nil || st.Deactivated {
		return 0, false, nil
	}
	if st.IsPublic() {
		return st.RecipientID, true, nil
	}
	if !st.HistoryPublicToSubscribers {
		return 0, false, nil
	}
	subscribed, err := b.dir.IsSubscribed(ctx, b.user.ID, st.ID)
	if err != nil {
		return 0, false, fmt.Errorf("check subscription: %w", err)
	}
	if !subscribed {
		return 0, false, nil
	}
	return st.RecipientID, true, nil
}

// termPredicate converts one term. apply is false for terms that do not
// restrict the result (near, in:all, an empty search).
func (b *Builder) termPredicate(ctx context.Context, t narrow.Term, n narrow.Narrow) (pred Predicate, apply bool, err error) {
	switch t.Operator {
	case narrow.OpStream:
		pred, err = b.streamPredicate(ctx, t)
	case narrow.OpTopic:
		pred = b.topicPredicate(t)
	case narrow.OpSender:
		pred, err = b.senderPredicate(ctx, t)
	case narrow.OpPMWith:
		pred, err = b.pmWithPredicate(ctx, t)
	case narrow.OpGroupPMWith:
		pred, err = b.groupPMWithPredicate(ctx, t)
	case narrow.OpID:
		id, _ := strconv.ParseInt(t.Operand, 10, 64)
		pred = Predicate{SQL: idRef + " = ?", Args: []interface{}{id}}
	case narrow.OpNear:
		// near only positions the anchor and ignores negation.
		return Predicate{}, false, nil
	case narrow.OpIs:
		pred, err = isPredicate(t)
	case narrow.OpHas:
		pred, err = hasPredicate(t)
	case narrow.OpIn:
		if t.Operand != "home" {
			return Predicate{}, false, nil
		}
		pred, err = b.MutingExclusion(ctx, n)
	case narrow.OpSearch:
		var ok bool
		pred, ok = b.searchPredicate(t)
		if !ok {
			return Predicate{}, false, nil
		}
	default:
		return Predicate{}, false, &narrow.BadOperatorError{Operator: t.Operator.String()}
	}
	if err != nil {
		return Predicate{}, false, err
	}
	return negate(pred, t.Negated), true, nil
}

func (b *Builder) streamPredicate(ctx context.Context, t narrow.Term) (Predicate, error) {
	if b.opts.LegacyBridgeTopicMatching {
		return b.bridgeStreamPredicate(ctx, t)
	}
	st, err := b.dir.StreamByName(ctx, b.user.RealmID, t.Operand)
	if err != nil {
		return Predicate{}, fmt.Errorf("resolve stream %q: %w", t.Operand, err)
	}
	if st == nil {
		return Predicate{}, narrow.NewBadOperand(t, "unknown stream")
	}
	return Predicate{
		SQL:           "m.recipient_id = ?",
		Args:          []interface{}{st.RecipientID},
		NeedsMessage:  true,
		PinsRecipient: true,
	}, nil
}

func (b *Builder) topicPredicate(t narrow.Term) Predicate {
	if b.opts.LegacyBridgeTopicMatching {
		return bridgeTopicPredicate(t.Operand)
	}
	return Predicate{
		SQL:          "m.topic_key = ?",
		Args:         []interface{}{textutil.FoldTopic(t.Operand)},
		NeedsMessage: true,
	}
}

func (b *Builder) lookupUser(ctx context.Context, t narrow.Term, email string) (*store.User, error) {
	u, err := b.dir.UserByEmail(ctx, b.user.RealmID, email)
	if err != nil {
		return nil, fmt.Errorf("resolve user %q: %w", email, err)
	}
	if u == nil {
		return nil, narrow.NewBadOperand(t, "unknown user "+email)
	}
	return u, nil
}

func (b *Builder) senderPredicate(ctx context.Context, t narrow.Term) (Predicate, error) {
	u, err := b.lookupUser(ctx, t, t.Operand)
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{SQL: "m.sender_id = ?", Args: []interface{}{u.ID}, NeedsMessage: true}, nil
}

func (b *Builder) pmWithPredicate(ctx context.Context, t narrow.Term) (Predicate, error) {
	ids := []int64{b.user.ID}
	seen := map[int64]bool{b.user.ID: true}
	var others []*store.User
	for _, email := range strings.Split(t.Operand, ",") {
		u, err := b.lookupUser(ctx, t, email)
		if err != nil {
			return Predicate{}, err
		}
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		ids = append(ids, u.ID)
		others = append(others, u)
	}

	switch len(others) {
	case 0:
		return Predicate{
			SQL:          "(m.sender_id = ? AND m.recipient_id = ?)",
			Args:         []interface{}{b.user.ID, b.user.RecipientID},
			NeedsMessage: true,
		}, nil
	case 1:
		other := others[0]
		return Predicate{
			SQL: "((m.sender_id = ? AND m.recipient_id = ?) OR (m.sender_id = ? AND m.recipient_id = ?))",
			Args: []interface{}{
				b.user.ID, other.RecipientID,
				other.ID, b.user.RecipientID,
			},
			NeedsMessage: true,
		}, nil
	}

	recipientID, ok, err := b.dir.HuddleRecipientID(ctx, ids)
	if err != nil {
		return Predicate{}, fmt.Errorf("resolve group conversation: %w", err)
	}
	if !ok {
		return Predicate{SQL: "0 = 1", NeedsMessage: true}, nil
	}
	return Predicate{SQL: "m.recipient_id = ?", Args: []interface{}{recipientID}, NeedsMessage: true}, nil
}

func (b *Builder) groupPMWithPredicate(ctx context.Context, t narrow.Term) (Predicate, error) {
	other, err := b.lookupUser(ctx, t, t.Operand)
	if err != nil {
		return Predicate{}, err
	}
	mine, err := b.dir.HuddleRecipientIDsForUser(ctx, b.user.ID)
	if err != nil {
		return Predicate{}, fmt.Errorf("list group conversations: %w", err)
	}
	theirs, err := b.dir.HuddleRecipientIDsForUser(ctx, other.ID)
	if err != nil {
		return Predicate{}, fmt.Errorf("list group conversations: %w", err)
	}

	shared := make(map[int64]bool, len(theirs))
	for _, id := range theirs {
		shared[id] = true
	}
	var args []interface{}
	for _, id := range mine {
		if shared[id] {
			args = append(args, id)
		}
	}
	if len(args) == 0 {
		return Predicate{SQL: "0 = 1", NeedsMessage: true}, nil
	}
	return Predicate{
		SQL:          "m.recipient_id IN (" + store.Placeholders(len(args)) + ")",
		Args:         args,
		NeedsMessage: true,
	}, nil
}

func flagSet(f store.Flag) Predicate {
	return Predicate{SQL: fmt.Sprintf("(um.flags & %d) != 0", int64(f)), NeedsDelivery: true}
}

func isPredicate(t narrow.Term) (Predicate, error) {
	switch t.Operand {
	case "private":
		return Predicate{
			SQL: fmt.Sprintf("m.recipient_id IN (SELECT id FROM recipients WHERE type IN (%d, %d))",
				int(store.RecipientPersonal), int(store.RecipientHuddle)),
			NeedsMessage:  true,
			NeedsDelivery: true,
		}, nil
	case "starred":
		return flagSet(store.FlagStarred), nil
	case "unread":
		return Predicate{SQL: fmt.Sprintf("(um.flags & %d) = 0", int64(store.FlagRead)), NeedsDelivery: true}, nil
	case "mentioned":
		return flagSet(store.FlagMentioned | store.FlagWildcardMentioned), nil
	case "alerted":
		return flagSet(store.FlagHasAlertWord), nil
	}
	return Predicate{}, narrow.NewBadOperand(t, "unknown is: operand")
}

var hasColumns = map[string]string{
	"attachment": "m.has_attachment",
	"image":      "m.has_image",
	"link":       "m.has_link",
}

func hasPredicate(t narrow.Term) (Predicate, error) {
	col, ok := hasColumns[t.Operand]
	if !ok {
		return Predicate{}, narrow.NewBadOperand(t, "unknown has: operand")
	}
	return Predicate{SQL: col + " = 1", NeedsMessage: true}, nil
}

// searchPredicate matches the operand against the full-text index, or
// against content and topic by substring when the index is unavailable.
// Quoted phrases must also appear literally in content or topic. Substring
// checks compare Unicode case-folded text.
func (b *Builder) searchPredicate(t narrow.Term) (Predicate, bool) {
	q := search.Parse(t.Operand)
	if q.IsEmpty() {
		return Predicate{}, false
	}

	const literal = `(instr(fold(m.content), ?) > 0 OR instr(m.topic_key, ?) > 0)`
	var conditions []string
	var args []interface{}
	if b.dir.FTS5Available() {
		conditions = append(conditions, "m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, q.FTSExpression())
		for _, phrase := range q.Phrases {
			folded := textutil.FoldTopic(phrase)
			conditions = append(conditions, literal)
			args = append(args, folded, folded)
		}
	} else {
		for _, term := range q.Terms() {
			folded := textutil.FoldTopic(term)
			conditions = append(conditions, literal)
			args = append(args, folded, folded)
		}
	}
	return Predicate{
		SQL:          "(" + strings.Join(conditions, " AND ") + ")",
		Args:         args,
		NeedsMessage: true,
	}, true
}

// MutingExclusion builds the predicate that hides muted streams and muted
// topics. Muted streams are not excluded when n pins a stream, and topics
// the user unmuted or follows stay visible inside muted streams. Muted
// topics are looked up only in the pinned stream, if any.
func (b *Builder) MutingExclusion(ctx context.Context, n narrow.Narrow) (Predicate, error) {
	var pinnedStreamID int64
	if name, ok := n.PinnedStream(); ok && !b.opts.LegacyBridgeTopicMatching {
		st, err := b.dir.StreamByName(ctx, b.user.RealmID, name)
		if err != nil {
			return Predicate{}, fmt.Errorf("resolve stream %q: %w", name, err)
		}
		if st != nil {
			pinnedStreamID = st.ID
		}
	}

	policies, err := b.dir.TopicPolicies(ctx, b.user.ID, pinnedStreamID)
	if err != nil {
		return Predicate{}, err
	}

	var conditions []string
	var args []interface{}

	if pinnedStreamID == 0 {
		muted, err := b.dir.MutedStreamRecipientIDs(ctx, b.user.ID)
		if err != nil {
			return Predicate{}, err
		}
		if len(muted) > 0 {
			mutedSet := make(map[int64]bool, len(muted))
			cond := "m.recipient_id NOT IN (" + store.Placeholders(len(muted)) + ")"
			for _, id := range muted {
				mutedSet[id] = true
				args = append(args, id)
			}
			var visible []string
			for _, tp := range policies {
				if (tp.Policy == store.PolicyUnmuted || tp.Policy == store.PolicyFollowed) && mutedSet[tp.RecipientID] {
					visible = append(visible, "(m.recipient_id = ? AND m.topic_key = ?)")
					args = append(args, tp.RecipientID, textutil.FoldTopic(tp.TopicName))
				}
			}
			if len(visible) > 0 {
				cond = "(" + cond + " OR " + strings.Join(visible, " OR ") + ")"
			}
			conditions = append(conditions, cond)
		}
	}

	var mutedTopics []string
	for _, tp := range policies {
		if tp.Policy == store.PolicyMuted {
			mutedTopics = append(mutedTopics, "(m.recipient_id = ? AND m.topic_key = ?)")
			args = append(args, tp.RecipientID, textutil.FoldTopic(tp.TopicName))
		}
	}
	if len(mutedTopics) > 0 {
		conditions = append(conditions, "NOT ("+strings.Join(mutedTopics, " OR ")+")")
	}

	if len(conditions) == 0 {
		return Predicate{SQL: "1 = 1", NeedsMessage: true}, nil
	}
	return Predicate{
		SQL:          "(" + strings.Join(conditions, " AND ") + ")",
		Args:         args,
		NeedsMessage: true,
	}, nil
}
