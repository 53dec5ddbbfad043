package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"weft/backend/config"
	"weft/backend/core"
	"weft/backend/docmodel"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// replica is one simulated editor: it authors random changesets against its
// own copy of the document and applies whatever its peers gossip to it.
type replica struct {
	name     string
	identity core.Principal
	doc      *docmodel.Doc
	rng      *rand.Rand
	cfg      config.Sim
	log      *zap.Logger

	inbox chan delivery
	peers []*replica

	deferred    []delivery
	authored    int
	expected    int
	redelivered int

	// targets are ops authored here, kept as undo/redo candidates.
	targets []docmodel.OpID
}

func (r *replica) run(ctx context.Context) error {
	for r.authored < r.cfg.Changesets {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.authorRandom(); err != nil {
			return fmt.Errorf("%s: authoring: %w", r.name, err)
		}

		if err := r.drainInbox(); err != nil {
			return err
		}
		if err := r.redeliver(); err != nil {
			return err
		}
	}

	return r.settle(ctx)
}

// settle keeps applying gossip until the replica holds every changeset of
// the run, backing off while dependencies are still in flight.
func (r *replica) settle(ctx context.Context) error {
	backoff := retry.WithMaxDuration(time.Minute, retry.NewExponential(time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.drainInbox(); err != nil {
			return err
		}
		if err := r.redeliver(); err != nil {
			return err
		}

		if got := len(r.doc.Changesets()); got < r.expected {
			return retry.RetryableError(fmt.Errorf("%s holds %d of %d changesets", r.name, got, r.expected))
		}
		return nil
	})
}

func (r *replica) broadcast(eb delivery) {
	for _, p := range r.peers {
		p.inbox <- eb
	}
}

func (r *replica) drainInbox() error {
	for {
		select {
		case eb := <-r.inbox:
			// Sometimes sit on a delivery for a while,
			// to exercise the redelivery path.
			if r.rng.Float64() < r.cfg.DropRate {
				r.deferred = append(r.deferred, eb)
				r.redelivered++
				continue
			}
			if err := r.apply(eb); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *replica) redeliver() error {
	pending := r.deferred
	r.deferred = r.deferred[:0]
	for _, eb := range pending {
		if err := r.apply(eb); err != nil {
			return err
		}
	}
	return nil
}

func (r *replica) apply(eb delivery) error {
	err := r.doc.ApplyChangeset(eb)
	if errors.Is(err, docmodel.ErrDependencyMissing) {
		r.log.Debug("DeliveryDeferred", zap.String("cid", eb.CID.String()), zap.Error(err))
		r.deferred = append(r.deferred, eb)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: applying %s: %w", r.name, eb.CID, err)
	}
	return nil
}

func (r *replica) authorRandom() error {
	doc, err := r.doc.Document()
	if err != nil {
		return err
	}

	var eb delivery
	switch roll := r.rng.Float64(); {
	case roll < 0.55 || doc.Len() == 0:
		eb, err = r.authorInsert(doc)
	case roll < 0.70:
		eb, err = r.authorErase(doc)
	case roll < 0.85:
		eb, err = r.authorFormat(doc)
	default:
		eb, err = r.authorVote(doc)
	}
	if err != nil {
		return err
	}

	r.authored++
	r.broadcast(eb)
	return nil
}

var attrPalette = []struct{ k, v string }{
	{"bold", "true"},
	{"italic", "true"},
	{"color", "red"},
	{"color", "blue"},
	{"color", ""},
}

var paraPalette = []struct{ k, v string }{
	{"block", "heading"},
	{"block", "quote"},
	{"block", ""},
	{"indent", "1"},
}

func (r *replica) randomPos(doc *docmodel.Document) docmodel.Pos {
	para := r.rng.IntN(len(doc.Paragraphs))
	return docmodel.Pos{
		Para: para,
		Col:  r.rng.IntN(len(doc.Paragraphs[para].Fragments) + 1),
	}
}

// randomRange picks a short non-empty range within one non-empty paragraph.
// ok is false when the whole document is empty.
func (r *replica) randomRange(doc *docmodel.Document) (start, end docmodel.Pos, ok bool) {
	var candidates []int
	for i, p := range doc.Paragraphs {
		if len(p.Fragments) > 0 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return start, end, false
	}

	para := candidates[r.rng.IntN(len(candidates))]
	n := len(doc.Paragraphs[para].Fragments)
	col := r.rng.IntN(n)
	count := 1 + r.rng.IntN(min(4, n-col))

	return docmodel.Pos{Para: para, Col: col}, docmodel.Pos{Para: para, Col: col + count}, true
}

func (r *replica) authorInsert(doc *docmodel.Document) (delivery, error) {
	var sb []rune
	for n := 1 + r.rng.IntN(8); n > 0; n-- {
		switch roll := r.rng.Float64(); {
		case roll < 0.05:
			sb = append(sb, '\r')
		case roll < 0.20:
			sb = append(sb, ' ')
		default:
			sb = append(sb, rune('a'+r.rng.IntN(26)))
		}
	}

	eb, err := r.doc.InsertAt(r.randomPos(doc), string(sb))
	if err != nil {
		return eb, err
	}
	r.trackTargets(eb)
	return eb, nil
}

func (r *replica) authorErase(doc *docmodel.Document) (delivery, error) {
	start, end, ok := r.randomRange(doc)
	if !ok {
		return r.authorInsert(doc)
	}

	eb, err := r.doc.Erase(start, end)
	if err != nil {
		return eb, err
	}
	r.trackTargets(eb)
	return eb, nil
}

func (r *replica) authorFormat(doc *docmodel.Document) (delivery, error) {
	if r.rng.Float64() < 0.3 {
		// Paragraph-level properties.
		prop := paraPalette[r.rng.IntN(len(paraPalette))]
		para := r.rng.IntN(len(doc.Paragraphs))
		pos := docmodel.Pos{Para: para}

		eb, err := r.doc.Format(pos, pos, nil, map[string]string{prop.k: prop.v})
		if err != nil {
			return eb, err
		}
		r.trackTargets(eb)
		return eb, nil
	}

	start, end, ok := r.randomRange(doc)
	if !ok {
		return r.authorInsert(doc)
	}

	attr := attrPalette[r.rng.IntN(len(attrPalette))]
	eb, err := r.doc.Format(start, end, map[string]string{attr.k: attr.v}, nil)
	if err != nil {
		return eb, err
	}
	r.trackTargets(eb)
	return eb, nil
}

func (r *replica) authorVote(doc *docmodel.Document) (delivery, error) {
	if len(r.targets) == 0 {
		return r.authorInsert(doc)
	}

	target := r.targets[r.rng.IntN(len(r.targets))]

	var (
		eb  delivery
		ok  bool
		err error
	)
	if r.doc.Log().Hidden(target) {
		eb, ok, err = r.doc.Redo(target)
	} else {
		eb, ok, err = r.doc.Undo(target)
	}
	if err != nil {
		return eb, err
	}
	if !ok {
		return r.authorInsert(doc)
	}
	return eb, nil
}

func (r *replica) trackTargets(eb delivery) {
	actor := eb.Decoded.Signer.ActorID()
	for _, op := range eb.Decoded.Ops {
		r.targets = append(r.targets, docmodel.OpID{Seq: op.Seq, Actor: actor})
	}
}
