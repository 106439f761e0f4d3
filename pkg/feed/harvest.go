package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

// Ingester is the only way feed adapters save images
type Ingester interface {
	IngestFromURL(ctx context.Context, imageURL, referrer string) (models.IngestResult, error)
}

// Candidate is an image URL discovered by an adapter
type Candidate struct {
	ImageURL string
	Referrer string
}

// Adapter discovers image candidates for a source
type Adapter interface {
	Candidates(ctx context.Context, src Source) ([]Candidate, error)
}

// Result summarizes one source
type Result struct {
	Source     Source
	Candidates int
	Saved      int
	Skipped    int
	Failed     int
	Err        error // Discovery error; nil when candidates were listed
	Duration   time.Duration
}

// Harvest lists the candidates of src and routes each through ing. Discovery
// and per-image errors are reported in the Result; only a storage failure or
// cancellation is returned.
func Harvest(ctx context.Context, adapter Adapter, ing Ingester, src Source, log *logrus.Entry) (Result, error) {
	start := time.Now()
	res := Result{Source: src}
	srcLog := log.WithFields(logrus.Fields{"feed": src.Name, "feed_url": src.URL, "kind": src.Kind})

	candidates, err := adapter.Candidates(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if utils.IsFatal(err) {
			res.Err = err
			res.Duration = time.Since(start)
			return res, err
		}
		srcLog.Warnf("Failed to list candidates: %v", err)
		res.Err = err
		res.Duration = time.Since(start)
		return res, nil
	}
	res.Candidates = len(candidates)

	for _, c := range candidates {
		out, err := ing.IngestFromURL(ctx, c.ImageURL, c.Referrer)
		if err != nil {
			if utils.IsFatal(err) || ctx.Err() != nil {
				res.Duration = time.Since(start)
				return res, err
			}
			srcLog.WithField("img_url", c.ImageURL).Debugf("Candidate not ingested: %v", err)
			res.Failed++
			continue
		}
		if out.Saved {
			res.Saved++
		} else {
			res.Skipped++
		}
	}

	res.Duration = time.Since(start)
	srcLog.Infof("Feed scanned: %d candidates, %d saved", res.Candidates, res.Saved)
	return res, nil
}

// Router picks the adapter for each source kind
type Router struct {
	RSS      Adapter
	Rendered Adapter
}

// Candidates implements Adapter by dispatching on src.Kind
func (r Router) Candidates(ctx context.Context, src Source) ([]Candidate, error) {
	var adapter Adapter
	switch src.Kind {
	case KindRSS:
		adapter = r.RSS
	case KindRendered:
		adapter = r.Rendered
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter configured for %s feed %q", src.Kind, src.Name)
	}
	return adapter.Candidates(ctx, src)
}

// candidateSet keeps first-seen order while dropping repeats
type candidateSet struct {
	seen  map[string]bool
	items []Candidate
	max   int // 0 = unbounded
}

func newCandidateSet(max int) *candidateSet {
	return &candidateSet{seen: make(map[string]bool), max: max}
}

func (s *candidateSet) full() bool {
	return s.max > 0 && len(s.items) >= s.max
}

func (s *candidateSet) add(imageURL, referrer string) {
	if imageURL == "" || s.full() || s.seen[imageURL] {
		return
	}
	s.seen[imageURL] = true
	s.items = append(s.items, Candidate{ImageURL: imageURL, Referrer: referrer})
}
