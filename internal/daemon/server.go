package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcdickinson/implindex/internal/cas"
	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/db"
	"github.com/jcdickinson/implindex/internal/docs"
	"github.com/jcdickinson/implindex/internal/loader"
	"github.com/jcdickinson/implindex/internal/registry"
	"github.com/jcdickinson/implindex/internal/rpc"
	"github.com/jcdickinson/implindex/internal/search"
	"golang.org/x/sync/singleflight"
)

type Server struct {
	db         *db.DB
	reg        *registry.Context
	index      *search.Index
	fetcher    *docs.Fetcher
	cfg        *config.Config
	socketPath string
	httpServer *http.Server
	listener   net.Listener

	// ctx outlives individual requests so a shared load keeps running when
	// the client that started it goes away.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	expTimer   *time.Timer
	expiration time.Duration

	// deliverMu orders index merges with their writes to the store, so both
	// see deliveries and resets in the same order.
	deliverMu sync.Mutex
	loadGroup singleflight.Group
	restored  chan struct{}
}

func NewServer(cfg *config.Config, database *db.DB, socketPath string) *Server {
	expSec := cfg.Daemon.ExpirationSeconds
	if expSec <= 0 {
		expSec = 600
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		db:    database,
		reg:   registry.New(),
		index: search.New(),
		fetcher: &docs.Fetcher{
			BaseURL:   cfg.Docs.BaseURL,
			UserAgent: cfg.Docs.UserAgent,
		},
		cfg:        cfg,
		socketPath: socketPath,
		ctx:        ctx,
		cancel:     cancel,
		expiration: time.Duration(expSec) * time.Second,
		restored:   make(chan struct{}),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /load", s.withExpReset(s.handleLoad))
	mux.HandleFunc("POST /deliver", s.withExpReset(s.handleDeliver))
	mux.HandleFunc("POST /implementors", s.withExpReset(s.handleImplementors))
	mux.HandleFunc("POST /search", s.withExpReset(s.handleSearch))
	mux.HandleFunc("POST /get-fragment", s.withExpReset(s.handleGetFragment))
	mux.HandleFunc("GET /traits", s.withExpReset(s.handleTraits))
	mux.HandleFunc("GET /status", s.withExpReset(s.handleStatus))
	mux.HandleFunc("POST /reset", s.withExpReset(s.handleReset))
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	return mux
}

// Start listens on the socket and serves until Stop. The registry is still
// uninitialized when serving begins: loads that arrive while the persisted
// index is being restored are buffered and delivered once it is ready.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.routes()}

	s.mu.Lock()
	s.expTimer = time.AfterFunc(s.expiration, s.expire)
	s.mu.Unlock()

	log.Printf("daemon: listening on %s (expires after %s of inactivity)", s.socketPath, s.expiration)

	go func() {
		if err := s.restore(); err != nil {
			log.Printf("daemon: %v", err)
		}
	}()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// restore rebuilds the index from the store and then initializes the
// registry, which hands over every fragment loaded in the meantime. Restored
// fragments go straight into the index: they are older than anything pending
// and are already persisted.
func (s *Server) restore() error {
	defer close(s.restored)

	frags, err := s.db.LoadFragments()
	if err != nil {
		// Still initialize so new loads are not buffered forever.
		log.Printf("daemon: restoring index failed: %v", err)
		frags = nil
	}
	s.deliverMu.Lock()
	for _, f := range frags {
		s.index.Merge(f)
	}
	s.deliverMu.Unlock()

	drained, ierr := s.reg.Initialize(s.deliver)
	if ierr != nil {
		return fmt.Errorf("initializing registry: %w", ierr)
	}
	log.Printf("daemon: restored %d fragment(s), delivered %d pending", len(frags), drained)
	return err
}

// deliver is the registry hook: merge into the live index, then persist.
func (s *Server) deliver(f registry.Fragment) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.index.Merge(f)
	if err := s.db.SaveFragment(f, f.Batch); err != nil {
		log.Printf("daemon: persisting %s failed: %v", f.Trait, err)
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	if s.expTimer != nil {
		s.expTimer.Stop()
	}
	s.mu.Unlock()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("daemon: shutdown error: %v", err)
			errs = append(errs, err)
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("daemon: listener close error: %v", err)
			errs = append(errs, err)
		}
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		log.Printf("daemon: socket remove error: %v", err)
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		log.Printf("daemon: db close error: %v", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) expire() {
	log.Printf("daemon: expiring due to inactivity")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	os.Exit(0)
}

func (s *Server) resetExpiration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expTimer != nil {
		s.expTimer.Stop()
		s.expTimer.Reset(s.expiration)
	}
}

func (s *Server) withExpReset(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.resetExpiration()
		handler(w, r)
	}
}

// batchSink stamps every fragment of one load with its batch id before
// handing it to the registry.
type batchSink struct {
	reg   *registry.Context
	batch string
}

func (b batchSink) Register(f registry.Fragment) {
	f.Batch = b.batch
	b.reg.Register(f)
}

type loadOutcome struct {
	batchID string
	results []loader.Result
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req rpc.LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sources := make([]config.SourceConfig, 0, len(req.Sources))
	keys := make([]string, 0, len(req.Sources))
	for _, spec := range req.Sources {
		src := config.SourceConfig{Kind: spec.Kind, Target: spec.Target, Trait: spec.Trait}
		if err := src.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sources = append(sources, src)
		keys = append(keys, src.String())
	}
	if len(sources) == 0 {
		sources = s.cfg.Loader.Sources
		for _, src := range sources {
			keys = append(keys, src.String())
		}
	}
	if len(sources) == 0 {
		writeError(w, http.StatusBadRequest, "no sources given and none configured")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	// Loader progress arrives from several goroutines.
	var sendMu sync.Mutex
	enc := json.NewEncoder(w)
	gone := false
	send := func(line rpc.ProgressLine) bool {
		sendMu.Lock()
		defer sendMu.Unlock()
		if gone {
			return false
		}
		log.Printf("daemon: %s", line.Message)
		if err := enc.Encode(line); err != nil {
			log.Printf("daemon: client disconnected: %v", err)
			gone = true
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	// Identical concurrent loads share one batch; only the first caller sees
	// per-fragment progress.
	v, _, shared := s.loadGroup.Do(strings.Join(keys, "\n"), func() (interface{}, error) {
		batchID := uuid.NewString()
		send(rpc.ProgressLine{Type: "progress", Message: fmt.Sprintf("batch %s: loading %d source(s)", batchID, len(sources))})

		l := loader.New(batchSink{reg: s.reg, batch: batchID}, s.fetcher, s.cfg.Loader.Concurrency)
		l.Progress = func(msg string) {
			send(rpc.ProgressLine{Type: "progress", Message: msg})
		}
		results, err := l.Load(s.ctx, sources)
		if err != nil {
			log.Printf("daemon: batch %s: %v", batchID, err)
		}
		return loadOutcome{batchID: batchID, results: results}, nil
	})
	out := v.(loadOutcome)
	if shared {
		send(rpc.ProgressLine{Type: "progress", Message: fmt.Sprintf("joined batch %s", out.batchID)})
	}

	for _, res := range out.results {
		lr := rpc.LoadResult{
			BatchID:   out.batchID,
			Source:    res.Source.String(),
			Delivered: res.Delivered,
			Omitted:   res.Omitted,
		}
		if res.Err != nil {
			lr.Error = res.Err.Error()
		}
		if !send(rpc.ProgressLine{Type: "result", Result: &lr}) {
			return
		}
	}
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req rpc.DeliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i, f := range req.Fragments {
		if f.Trait == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("fragments[%d]: missing trait", i))
			return
		}
	}

	sink := batchSink{reg: s.reg, batch: uuid.NewString()}
	for _, f := range req.Fragments {
		sink.Register(f)
	}
	log.Printf("daemon: batch %s: %d delivered fragment(s)", sink.batch, len(req.Fragments))
	writeJSON(w, http.StatusOK, rpc.DeliverResponse{BatchID: sink.batch, Delivered: len(req.Fragments)})
}

func (s *Server) handleImplementors(w http.ResponseWriter, r *http.Request) {
	var req rpc.ImplementorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Trait) == "" {
		writeError(w, http.StatusBadRequest, "missing trait")
		return
	}

	res, err := s.index.Lookup(req.Trait)
	var ambiguous *search.AmbiguousError
	switch {
	case errors.As(err, &ambiguous):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, search.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := rpc.ImplementorsResponse{
		Trait:        res.Trait,
		Implementors: res.Implementors,
		Sources:      s.fragmentRefs(res),
	}
	for _, ref := range resp.Sources {
		if ref.DocRoot != "" {
			resp.DocRoot = ref.DocRoot
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// fragmentRefs lists where each crate's entries came from, taking load times
// from the store for keys that have already been persisted.
func (s *Server) fragmentRefs(res *search.Result) []rpc.FragmentRef {
	stored := make(map[string]db.FragmentSource)
	if rows, err := s.db.FragmentSources(res.Trait); err != nil {
		log.Printf("daemon: listing sources for %s: %v", res.Trait, err)
	} else {
		for _, row := range rows {
			stored[row.Crate] = row
		}
	}

	refs := make([]rpc.FragmentRef, 0, len(res.Sources))
	for crate, p := range res.Sources {
		ref := rpc.FragmentRef{
			Crate:       crate,
			Source:      p.Source,
			ContentHash: p.ContentHash,
			BatchID:     p.Batch,
			DocRoot:     loader.DocRoot(p.Source, s.cfg.Docs.BaseURL),
		}
		if row, ok := stored[crate]; ok && row.Source == p.Source && row.ContentHash == p.ContentHash {
			loadedAt := row.LoadedAt
			ref.LoadedAt = &loadedAt
			if ref.BatchID == "" {
				ref.BatchID = row.BatchID
			}
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Crate < refs[j].Crate })
	return refs
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req rpc.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}

	results := s.index.Search(req.Query, req.Crates, req.Limit)
	if results == nil {
		results = []rpc.Hit{}
	}
	writeJSON(w, http.StatusOK, rpc.SearchResponse{Results: results})
}

func (s *Server) handleGetFragment(w http.ResponseWriter, r *http.Request) {
	var req rpc.GetFragmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	script, err := cas.Read(req.Hash)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, fmt.Sprintf("fragment %s not found", req.Hash))
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rpc.GetFragmentResponse{Script: string(script)})
}

func (s *Server) handleTraits(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListTraits()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	traits := make([]rpc.TraitSummary, len(rows))
	for i, row := range rows {
		traits[i] = rpc.TraitSummary{Trait: row.Trait, Crates: row.Crates, Entries: row.Entries}
	}
	writeJSON(w, http.StatusOK, rpc.TraitsResponse{Traits: traits})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stored, err := s.db.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	batches, err := s.db.RecentBatches(5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := rpc.StatusResponse{
		State:   s.reg.State().String(),
		Pending: s.reg.Pending(),
		Index:   s.index.Stats(),
		Stored:  rpc.StoredStats{Fragments: stored.Fragments, Implementors: stored.Implementors},
	}
	for _, b := range batches {
		resp.Recent = append(resp.Recent, rpc.BatchState{BatchID: b.ID, Fragments: b.Fragments})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReset empties the index and the store. The registry stays
// initialized; later loads are merged into the empty index.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req rpc.ResetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.deliverMu.Lock()
	s.index.Reset()
	err := s.db.Reset()
	s.deliverMu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !req.KeepScripts {
		if err := cas.Clear(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	log.Printf("daemon: index reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
		os.Exit(0)
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
