package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/wesm/msgnarrow/internal/narrow"
	"github.com/wesm/msgnarrow/internal/store"
	"github.com/wesm/msgnarrow/internal/textutil"
)

// Bridged realms name instance streams "un<name>" and sub-instances
// "<name>.d", and users expect a narrow to any variant to show them all.

var bridgeStreamBase = regexp.MustCompile(`(?i)^(?:un)*(.+?)(?:\.d)*$`)

// bridgeStreamPattern matches every stream name sharing name's base.
func bridgeStreamPattern(name string) *regexp.Regexp {
	base := name
	if m := bridgeStreamBase.FindStringSubmatch(name); m != nil {
		base = m[1]
	}
	return regexp.MustCompile(`(?i)^(un)*` + regexp.QuoteMeta(base) + `(\.d)*$`)
}

func (b *Builder) bridgeStreamPredicate(ctx context.Context, t narrow.Term) (Predicate, error) {
	named, err := b.dir.StreamByName(ctx, b.user.RealmID, t.Operand)
	if err != nil {
		return Predicate{}, fmt.Errorf("resolve stream %q: %w", t.Operand, err)
	}
	if named == nil {
		return Predicate{}, narrow.NewBadOperand(t, "unknown stream")
	}

	streams, err := b.dir.ActiveStreams(ctx, b.user.RealmID)
	if err != nil {
		return Predicate{}, fmt.Errorf("list streams: %w", err)
	}
	pattern := bridgeStreamPattern(named.Name)
	args := []interface{}{named.RecipientID}
	for _, st := range streams {
		if st.ID != named.ID && pattern.MatchString(st.Name) {
			args = append(args, st.RecipientID)
		}
	}
	return Predicate{
		SQL:          "m.recipient_id IN (" + store.Placeholders(len(args)) + ")",
		Args:         args,
		NeedsMessage: true,
	}, nil
}

// Topics that all mean "no instance" on a bridged realm.
var bridgePersonalTopics = []string{"", "personal", `(instance "")`}

// bridgeTopicNames returns the topic names a bridged topic narrow matches:
// the base name (operand without trailing ".d" suffixes) and up to three
// ".d" levels below it.
func bridgeTopicNames(operand string) []string {
	base := operand
	for strings.HasSuffix(strings.ToLower(base), ".d") {
		base = base[:len(base)-2]
	}

	bases := []string{base}
	for _, p := range bridgePersonalTopics {
		if strings.EqualFold(base, p) {
			bases = bridgePersonalTopics
			break
		}
	}

	var names []string
	for _, b := range bases {
		names = append(names, b, b+".d", b+".d.d", b+".d.d.d")
	}
	return names
}

func bridgeTopicPredicate(operand string) Predicate {
	names := bridgeTopicNames(operand)
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = textutil.FoldTopic(n)
	}
	return Predicate{
		SQL:          "m.topic_key IN (" + store.Placeholders(len(args)) + ")",
		Args:         args,
		NeedsMessage: true,
	}
}
