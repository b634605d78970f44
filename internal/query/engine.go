package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/msgnarrow/internal/search"
	"github.com/wesm/msgnarrow/internal/store"
)

// Config holds engine settings.
type Config struct {
	// MaxFetch caps NumBefore and NumAfter; zero means DefaultMaxFetch.
	MaxFetch int
	// Strict makes an unsafe regime selection panic instead of returning
	// ErrUnsafeRegimeSelection.
	Strict bool
	// LegacyBridgeRealms lists realms that use bridged stream and topic
	// matching.
	LegacyBridgeRealms []int64
}

// Engine runs narrow queries against a SQLite database.
type Engine struct {
	db     *sql.DB
	dir    Directory
	cfg    Config
	bridge map[int64]bool
	logger *slog.Logger
}

// NewEngine creates an engine. db and dir usually come from the same
// *store.Store.
func NewEngine(db *sql.DB, dir Directory, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = DefaultMaxFetch
	}
	bridge := make(map[int64]bool, len(cfg.LegacyBridgeRealms))
	for _, id := range cfg.LegacyBridgeRealms {
		bridge[id] = true
	}
	return &Engine{db: db, dir: dir, cfg: cfg, bridge: bridge, logger: logger}
}

// Builder returns a plan builder for user with the engine's options.
func (e *Engine) Builder(user *store.User) *Builder {
	return NewBuilder(e.dir, user, Options{LegacyBridgeTopicMatching: e.bridge[user.RealmID]}, e.logger)
}

// fetchedRow is a raw row from a window query.
type fetchedRow struct {
	id       int64
	flags    int64
	topic    string
	rendered string
}

// Fetch returns the window of messages matching req.Narrow around the
// requested anchor.
func (e *Engine) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if req.NumBefore < 0 || req.NumAfter < 0 {
		return nil, &BadRequestError{Detail: "num_before and num_after must not be negative"}
	}
	if req.NumBefore > e.cfg.MaxFetch || req.NumAfter > e.cfg.MaxFetch {
		return nil, &BadRequestError{Detail: fmt.Sprintf("too many messages requested (maximum %d)", e.cfg.MaxFetch)}
	}

	user, err := e.dir.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, &BadRequestError{Detail: fmt.Sprintf("unknown user %d", req.UserID)}
	}

	b := e.Builder(user)
	plan, err := b.Build(ctx, req.Narrow)
	if err != nil {
		return nil, err
	}
	if err := e.checkPlan(plan); err != nil {
		return nil, err
	}

	anchor, err := e.resolveAnchor(ctx, b, plan, user, req)
	if err != nil {
		return nil, err
	}

	rows, err := e.window(ctx, plan, anchor, req.NumBefore, req.NumAfter)
	if err != nil {
		return nil, err
	}

	result := limitWindow(rows, anchor, req.NumBefore, req.NumAfter)
	result.History = plan.Regime() == RegimeFullHistory
	if result.History {
		if err := e.fillHistoryFlags(ctx, user.ID, rows); err != nil {
			return nil, err
		}
	}

	byID := make(map[int64]fetchedRow, len(rows))
	for _, r := range rows {
		byID[r.id] = r
	}
	q := plan.Search()
	for i := range result.Messages {
		r := byID[result.Messages[i].ID]
		result.Messages[i].Flags = store.FlagNames(r.flags)
		if q.IsEmpty() {
			continue
		}
		escapedTopic := search.EscapeTopic(r.topic)
		result.Messages[i].ContentMatches = search.MatchLocations(r.rendered, q)
		result.Messages[i].TopicMatches = search.MatchLocations(escapedTopic, q)
		if req.Highlight {
			h := search.Fields(r.rendered, r.topic, result.Messages[i].ContentMatches, result.Messages[i].TopicMatches)
			result.Messages[i].Highlight = &h
		}
	}
	return result, nil
}

// checkPlan validates plan, panicking in strict mode.
func (e *Engine) checkPlan(plan *Plan) error {
	err := plan.Validate()
	if err == nil {
		return nil
	}
	e.logger.Error("unsafe access regime", "user_id", plan.UserID(), "error", err)
	if e.cfg.Strict {
		panic(err)
	}
	return err
}

func (e *Engine) resolveAnchor(ctx context.Context, b *Builder, plan *Plan, user *store.User, req FetchRequest) (int64, error) {
	switch req.AnchorMode {
	case AnchorNewest:
		return LargerThanMaxMessageID, nil
	case AnchorOldest:
		return 0, nil
	case AnchorFirstUnread:
		return e.firstUnread(ctx, b, plan, user, req)
	}
	if req.Anchor < 0 {
		return 0, nil
	}
	return req.Anchor, nil
}

// firstUnread finds the oldest unread message matching the plan that is not
// hidden by muting. With no narrow, messages below the pointer are skipped. It always runs against the user's delivery rows, since
// only they carry the read flag.
func (e *Engine) firstUnread(ctx context.Context, b *Builder, plan *Plan, user *store.User, req FetchRequest) (int64, error) {
	muting, err := b.MutingExclusion(ctx, req.Narrow)
	if err != nil {
		return 0, err
	}
	p := plan.inDeliveryJoin().
		With(Predicate{SQL: fmt.Sprintf("(um.flags & %d) = 0", int64(store.FlagRead)), NeedsDelivery: true}).
		With(muting)
	if req.Narrow.IsEmpty() && user.Pointer > 0 {
		p = p.With(Predicate{SQL: idRef + " >= ?", Args: []interface{}{user.Pointer}})
	}

	query, args := p.selectSQL(idRef, nil, nil)
	query += " ORDER BY " + p.idColumn() + " ASC LIMIT 1"

	var id int64
	err = e.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return LargerThanMaxMessageID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("first unread: %w", err)
	}
	return id, nil
}

// half is one side of an anchored window query.
type half struct {
	cmp   string
	bound int64
	desc  bool
	limit int
}

// windowHalves returns the queries for a window. The after half includes
// the anchor, so when both halves run the before half stops just below it.
func windowHalves(anchor int64, numBefore, numAfter int) []half {
	var halves []half
	switch {
	case numBefore > 0 && numAfter > 0:
		halves = []half{
			{cmp: "<=", bound: anchor - 1, desc: true, limit: numBefore},
			{cmp: ">=", bound: anchor, limit: numAfter + 1},
		}
	case numBefore > 0:
		halves = []half{{cmp: "<=", bound: anchor, desc: true, limit: numBefore + 1}}
	case numAfter > 0:
		halves = []half{{cmp: ">=", bound: anchor, limit: numAfter + 1}}
	default:
		halves = []half{{cmp: "=", bound: anchor, limit: 1}}
	}

	if anchor >= LargerThanMaxMessageID {
		kept := halves[:0]
		for _, h := range halves {
			if h.cmp == "<=" {
				kept = append(kept, h)
			}
		}
		halves = kept
	}
	return halves
}

// window runs the window halves concurrently and returns the union in
// ascending id order.
func (e *Engine) window(ctx context.Context, plan *Plan, anchor int64, numBefore, numAfter int) ([]fetchedRow, error) {
	halves := windowHalves(anchor, numBefore, numAfter)
	results := make([][]fetchedRow, len(halves))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range halves {
		i, h := i, h
		g.Go(func() error {
			rows, err := e.runHalf(gctx, plan, h)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var merged []fetchedRow
	for _, rows := range results {
		for _, r := range rows {
			if !seen[r.id] {
				seen[r.id] = true
				merged = append(merged, r)
			}
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].id < merged[j].id })
	return merged, nil
}

func (e *Engine) runHalf(ctx context.Context, plan *Plan, h half) ([]fetchedRow, error) {
	query, args := plan.selectSQL(plan.columns(),
		[]string{idRef + " " + h.cmp + " ?"}, []interface{}{h.bound})
	order := "ASC"
	if h.desc {
		order = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT ?", plan.idColumn(), order)
	args = append(args, h.limit)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch window: %w", err)
	}
	defer rows.Close()

	withText := !plan.Search().IsEmpty()
	var out []fetchedRow
	for rows.Next() {
		var r fetchedRow
		dest := []interface{}{&r.id, &r.flags}
		if withText {
			dest = append(dest, &r.topic, &r.rendered)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan window row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// limitWindow trims the fetched rows to the requested window and computes
// the found_* markers.
func limitWindow(rows []fetchedRow, anchor int64, numBefore, numAfter int) *FetchResult {
	anchoredLeft := anchor == 0
	anchoredRight := anchor >= LargerThanMaxMessageID
	if anchoredLeft {
		numBefore = 0
	}
	if anchoredRight {
		numAfter = 0
	}

	var before, at, after []int64
	for _, r := range rows {
		switch {
		case r.id < anchor:
			before = append(before, r.id)
		case r.id == anchor:
			at = append(at, r.id)
		default:
			after = append(after, r.id)
		}
	}
	if numBefore > 0 && len(before) > numBefore {
		before = before[len(before)-numBefore:]
	}
	if numAfter > 0 && len(after) > numAfter {
		after = after[:numAfter]
	}

	result := &FetchResult{
		Anchor:      anchor,
		FoundAnchor: len(at) == 1,
		FoundOldest: anchoredLeft || len(before) < numBefore,
		FoundNewest: anchoredRight || len(after) < numAfter,
	}
	result.Messages = make([]Row, 0, len(before)+len(at)+len(after))
	for _, ids := range [][]int64{before, at, after} {
		for _, id := range ids {
			result.Messages = append(result.Messages, Row{ID: id})
		}
	}
	return result
}

// fillHistoryFlags loads the user's delivery flags for rows fetched in the
// full-history regime. Messages without a delivery row are reported as
// read and historical.
func (e *Engine) fillHistoryFlags(ctx context.Context, userID int64, rows []fetchedRow) error {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	flags := make(map[int64]int64, len(ids))
	err := store.QueryInChunks(ctx, e.db, ids, []interface{}{userID},
		`SELECT message_id, flags FROM user_messages WHERE user_id = ? AND message_id IN (%s)`,
		func(rs *sql.Rows) error {
			var id, f int64
			if err := rs.Scan(&id, &f); err != nil {
				return err
			}
			flags[id] = f
			return nil
		})
	if err != nil {
		return fmt.Errorf("load delivery flags: %w", err)
	}
	for i := range rows {
		f, ok := flags[rows[i].id]
		if !ok {
			f = int64(store.FlagRead | store.FlagHistorical)
		}
		rows[i].flags = f
	}
	return nil
}
