package mirror

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// fakeSource scripts the source side. Info pops infoErrs until it is empty
// and then returns info.
type fakeSource struct {
	mu         sync.Mutex
	infoErrs   []error
	info       SourceInfo
	infoCalls  int
	infoDelay  <-chan struct{}
	created    int
	createErr  error
	dump       string
	dumpErr    error
	dumpOpened int
	changes    []ChangeEvent
	feedErrs   []error
	endFeed    bool
	since      []string
}

func (s *fakeSource) Info(ctx context.Context) (SourceInfo, error) {
	if s.infoDelay != nil {
		select {
		case <-ctx.Done():
			return SourceInfo{}, ctx.Err()
		case <-s.infoDelay:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infoCalls++
	if len(s.infoErrs) > 0 {
		err := s.infoErrs[0]
		s.infoErrs = s.infoErrs[1:]
		if err != nil {
			return SourceInfo{}, err
		}
	}
	return s.info, nil
}

func (s *fakeSource) CreateDatabase(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	return s.createErr
}

func (s *fakeSource) BulkDump(context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dumpOpened++
	if s.dumpErr != nil {
		return nil, s.dumpErr
	}
	return io.NopCloser(strings.NewReader(s.dump)), nil
}

// Changes delivers the scripted events and errors. Unless endFeed is set the
// feed stays open until ctx is cancelled.
func (s *fakeSource) Changes(ctx context.Context, since string) (*ChangeFeed, error) {
	s.mu.Lock()
	s.since = append(s.since, since)
	changes := append([]ChangeEvent(nil), s.changes...)
	feedErrs := append([]error(nil), s.feedErrs...)
	endFeed := s.endFeed
	s.mu.Unlock()

	events := make(chan ChangeEvent, len(changes))
	errs := make(chan error, len(feedErrs))
	for _, err := range feedErrs {
		errs <- err
	}
	for _, event := range changes {
		events <- event
	}
	if endFeed {
		close(events)
	} else {
		go func() {
			<-ctx.Done()
			close(events)
		}()
	}
	return &ChangeFeed{Events: events, Errors: errs}, nil
}

func (s *fakeSource) sinceCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.since...)
}

// fakeDestination is an in-memory table keyed by id.
type fakeDestination struct {
	mu          sync.Mutex
	rows        map[string]string
	writes      []string
	checkErrs   []error
	created     int
	upsertErrs  map[string][]error
	onUpsert    func(doc Document)
	upsertDelay time.Duration
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{rows: map[string]string{}, upsertErrs: map[string][]error{}}
}

func (d *fakeDestination) Check(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.checkErrs) > 0 {
		err := d.checkErrs[0]
		d.checkErrs = d.checkErrs[1:]
		return err
	}
	return nil
}

func (d *fakeDestination) CreateTable(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created++
	return nil
}

func (d *fakeDestination) Upsert(ctx context.Context, doc Document) error {
	if d.upsertDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.upsertDelay):
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onUpsert != nil {
		d.onUpsert(doc)
	}
	if errs := d.upsertErrs[doc.ID]; len(errs) > 0 {
		d.upsertErrs[doc.ID] = errs[1:]
		return errs[0]
	}
	d.rows[doc.ID] = string(doc.Body)
	d.writes = append(d.writes, doc.ID)
	return nil
}

func (d *fakeDestination) snapshot() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.rows))
	for id, body := range d.rows {
		out[id] = body
	}
	return out
}

func (d *fakeDestination) writeLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

// waitRecorder replaces the retrier's timer and records every delay.
type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitRecorder) Wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

func connRefused(host string) error {
	return fmt.Errorf("dial %s: %w", host, ErrConnRefused)
}

func testDoc(id, body string) Document {
	return Document{ID: id, Body: []byte(body)}
}
