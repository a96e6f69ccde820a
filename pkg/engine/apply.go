package engine

import (
	"context"
	"fmt"

	dberror "carrytree/pkg/error"
	"carrytree/pkg/primitives"

	"golang.org/x/sync/errgroup"
)

// Kind selects what a Mutation does.
type Kind int

const (
	KindInsert Kind = iota
	KindPaste
	KindDelete
	KindCut
	KindRelocate
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindPaste:
		return "paste"
	case KindDelete:
		return "delete"
	case KindCut:
		return "cut"
	case KindRelocate:
		return "relocate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Mutation is one client request for Apply.
type Mutation struct {
	Kind Kind
	Key  primitives.Key
	// To ends the range of a cut.
	To   primitives.Key
	Body []byte
}

// Do runs m on the session.
func (s *Session) Do(m Mutation) error {
	switch m.Kind {
	case KindInsert:
		return s.Insert(m.Key, m.Body)
	case KindPaste:
		return s.Paste(m.Key, m.Body)
	case KindDelete:
		return s.Delete(m.Key)
	case KindCut:
		_, err := s.Cut(m.Key, m.To)
		return err
	case KindRelocate:
		return s.Relocate(m.Key)
	default:
		return dberror.New(dberror.ErrCategoryUser, dberror.CodeInvalidArgument, "unknown mutation").
			WithDetail("%s", m.Kind).In("Do", "Engine")
	}
}

// Apply runs mutations concurrently on up to workers sessions and returns
// the first error. Mutations are independent: their relative order is not
// preserved.
func (e *Engine) Apply(ctx context.Context, workers int, mutations []Mutation) error {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, m := range mutations {
		m := m
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return e.Session(nil).Do(m)
		})
	}
	return g.Wait()
}
