package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"transit_fetcher/internal/domain"
	"transit_fetcher/internal/service/mocks"
	"transit_fetcher/internal/source/emt"
	"transit_fetcher/internal/storage/local"
)

// fakeEMT serves the subset of the EMT API used by an extraction.
type fakeEMT struct {
	mu          sync.Mutex
	loginStatus int
	logins      int
	calls       map[string]int
	// etaCode returns the code for the attempt-th call (1-based) for stop.
	etaCode func(stop string, attempt int) string
}

func newFakeEMT() *fakeEMT {
	return &fakeEMT{
		loginStatus: http.StatusOK,
		calls:       make(map[string]int),
		etaCode:     func(string, int) string { return domain.CodeOK },
	}
}

func (f *fakeEMT) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasPrefix(r.URL.Path, "/v2/mobilitylabs/user/login/"):
		f.logins++
		if f.loginStatus != http.StatusOK {
			w.WriteHeader(f.loginStatus)
			return
		}
		expires := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
		fmt.Fprintf(w, `{"code":"01","data":[{"accessToken":"tok-%d","tokenDteExpiration":{"$date":%d}}]}`, f.logins, expires)

	case r.Method == http.MethodPost && len(parts) == 6 && parts[3] == "stops":
		stop := parts[4]
		f.calls["eta/"+stop]++
		code := f.etaCode(stop, f.calls["eta/"+stop])
		_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "data": []any{map[string]string{"stop": stop}}})

	case len(parts) == 7 && parts[3] == "lines":
		f.calls["line/"+parts[4]]++
		fmt.Fprintf(w, `{"code":"00","data":[{"line":%q}]}`, parts[4])

	case len(parts) == 6 && parts[3] == "calendar":
		f.calls["calendar"]++
		fmt.Fprint(w, `{"code":"00","data":[]}`)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeEMT) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeEMT) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

// cancelAfter cancels the run once n entity calls have returned.
type cancelAfter struct {
	next   Fetcher
	n      int32
	done   atomic.Int32
	cancel context.CancelFunc
}

func (f *cancelAfter) Fetch(ctx context.Context, token string, req domain.EntityRequest) (domain.Reply, error) {
	reply, err := f.next.Fetch(ctx, token, req)
	if f.done.Add(1) == f.n {
		f.cancel()
	}
	return reply, err
}

type ExtractorTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	upstream *fakeEMT
	server   *httptest.Server
	store    *local.Store
	runs     *mocks.MockRunStore
	logger   *slog.Logger

	now time.Time
}

func (s *ExtractorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.upstream = newFakeEMT()
	s.server = httptest.NewServer(s.upstream)
	s.store = local.New(s.T().TempDir())
	s.runs = mocks.NewMockRunStore(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.now = time.Date(2024, 3, 15, 10, 30, 12, 0, time.UTC)
}

func (s *ExtractorTestSuite) TearDownTest() {
	s.server.Close()
	s.ctrl.Finish()
}

func TestExtractorTestSuite(t *testing.T) {
	suite.Run(t, new(ExtractorTestSuite))
}

func (s *ExtractorTestSuite) newExtractor(lines, stops []string) *Extractor {
	return s.newExtractorWithFetcher(lines, stops, nil)
}

// newExtractorWithFetcher lets wrap intercept entity calls made to the fake
// upstream. A nil wrap uses the client directly.
func (s *ExtractorTestSuite) newExtractorWithFetcher(lines, stops []string, wrap func(Fetcher) Fetcher) *Extractor {
	client := emt.New(emt.Config{
		BaseURL:     s.server.URL,
		Timeout:     5 * time.Second,
		MaxAttempts: 1,
	}, s.logger)

	creds := domain.Credentials{ClientID: "client", PassKey: "secret"}
	sessions := NewSessionManager(client, s.store, creds, s.logger)
	sessions.now = func() time.Time { return s.now }

	var fetcher Fetcher = client
	if wrap != nil {
		fetcher = wrap(client)
	}
	dispatcher := NewDispatcher(fetcher, s.store, DispatcherConfig{MaxInFlight: 4}, s.logger)

	extractor := NewExtractor(
		sessions,
		dispatcher,
		NewRetryCoordinator(dispatcher, s.logger),
		NewPersister(s.store, nil, s.logger),
		s.runs,
		s.logger,
		ExtractConfig{SourceID: emt.SourceID, Location: time.UTC, Lines: lines, Stops: stops},
	)
	extractor.now = func() time.Time { return s.now }
	return extractor
}

func (s *ExtractorTestSuite) TestExtract_FullRun() {
	ctx := context.Background()
	s.upstream.etaCode = func(stop string, attempt int) string {
		if stop == "200" && attempt == 1 {
			return "99"
		}
		return domain.CodeOK
	}
	s.runs.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil)

	summary := s.newExtractor([]string{"1", "2"}, []string{"100", "200"}).Extract(ctx)

	s.Require().NoError(summary.Err)
	s.Equal(domain.StateDone, summary.State)
	s.Equal(1, summary.Retried)
	s.Empty(summary.FailedStops)
	s.Equal(domain.KindCounts{Succeeded: 2}, summary.Counts[domain.KindLineDetail])
	s.Equal(domain.KindCounts{Succeeded: 1}, summary.Counts[domain.KindCalendar])
	s.Equal(domain.KindCounts{Succeeded: 2}, summary.Counts[domain.KindEta])
	s.Equal(2, s.upstream.count("eta/200"))
	s.Equal(1, s.upstream.count("eta/100"))

	capture := domain.NewCapture(emt.SourceID, s.now, time.UTC)
	for _, key := range []string{
		capture.LoginKey(),
		domain.LineDetail("1", capture.Day()).Key(capture),
		domain.LineDetail("2", capture.Day()).Key(capture),
		domain.Calendar(capture.Day(), capture.Day()).Key(capture),
		domain.Eta("100").Key(capture),
		domain.Eta("200").Key(capture),
		capture.EtaIndexKey(),
	} {
		ok, err := s.store.Exists(ctx, key)
		s.NoError(err)
		s.True(ok, key)
	}

	stored, _, err := s.store.Read(ctx, domain.Eta("200").Key(capture))
	s.Require().NoError(err)
	s.Contains(string(stored), `"code":"00"`)
}

func (s *ExtractorTestSuite) TestExtract_SecondRunSameDayReusesDailyArtifacts() {
	ctx := context.Background()
	s.runs.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	extractor := s.newExtractor([]string{"1", "2"}, []string{"100"})

	first := extractor.Extract(ctx)
	s.Require().NoError(first.Err)

	s.now = s.now.Add(time.Minute)
	second := extractor.Extract(ctx)
	s.Require().NoError(second.Err)

	s.Equal(1, s.upstream.loginCount())
	s.Equal(1, s.upstream.count("line/1"))
	s.Equal(1, s.upstream.count("line/2"))
	s.Equal(1, s.upstream.count("calendar"))
	s.Equal(2, s.upstream.count("eta/100"))

	s.Equal(domain.KindCounts{Skipped: 2}, second.Counts[domain.KindLineDetail])
	s.Equal(domain.KindCounts{Skipped: 1}, second.Counts[domain.KindCalendar])
	s.Equal(domain.KindCounts{Succeeded: 1}, second.Counts[domain.KindEta])
}

func (s *ExtractorTestSuite) TestExtract_PersistentEtaFailure() {
	ctx := context.Background()
	s.upstream.etaCode = func(stop string, _ int) string {
		if stop == "300" {
			return "99"
		}
		return domain.CodeOK
	}
	s.runs.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, summary *domain.RunSummary) error {
			s.Equal([]string{"300"}, summary.FailedStops)
			return nil
		},
	)

	summary := s.newExtractor(nil, []string{"100", "300"}).Extract(ctx)

	s.False(summary.Failed())
	s.Equal(domain.StateDone, summary.State)
	s.Equal(domain.KindCounts{Succeeded: 1, Failed: 1}, summary.Counts[domain.KindEta])
	s.Equal(2, s.upstream.count("eta/300"))

	capture := domain.NewCapture(emt.SourceID, s.now, time.UTC)
	ok, err := s.store.Exists(ctx, domain.Eta("300").Key(capture))
	s.NoError(err)
	s.False(ok)
}

func (s *ExtractorTestSuite) TestExtract_AuthenticationFailure() {
	ctx := context.Background()
	s.upstream.loginStatus = http.StatusUnauthorized
	s.runs.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, summary *domain.RunSummary) error {
			s.True(summary.Failed())
			return nil
		},
	)

	summary := s.newExtractor([]string{"1"}, []string{"100"}).Extract(ctx)

	s.True(summary.Failed())
	s.ErrorIs(summary.Err, domain.ErrAuthentication)
	s.Zero(s.upstream.count("line/1"))
	s.Zero(s.upstream.count("eta/100"))
}

func (s *ExtractorTestSuite) TestExtract_RecordFailureDoesNotFailRun() {
	s.runs.EXPECT().Record(gomock.Any(), gomock.Any()).Return(domain.ErrStorage)

	summary := s.newExtractor(nil, []string{"100"}).Extract(context.Background())

	s.False(summary.Failed())
	s.NotEmpty(summary.RunID)
}

func (s *ExtractorTestSuite) TestExtract_CancelledAfterDispatchStillPersists() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.upstream.etaCode = func(stop string, _ int) string {
		if stop == "200" {
			return "99"
		}
		return domain.CodeOK
	}
	s.runs.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil)

	// line 1, calendar, stops 100 and 200
	extractor := s.newExtractorWithFetcher([]string{"1"}, []string{"100", "200"}, func(next Fetcher) Fetcher {
		return &cancelAfter{next: next, n: 4, cancel: cancel}
	})

	summary := extractor.Extract(ctx)

	s.Require().NoError(summary.Err)
	s.Equal(domain.StateDone, summary.State)
	s.Zero(summary.Retried)
	s.Equal(1, s.upstream.count("eta/200"))
	s.Equal([]string{"200"}, summary.FailedStops)
	s.Equal(domain.KindCounts{Succeeded: 1}, summary.Counts[domain.KindLineDetail])

	capture := domain.NewCapture(emt.SourceID, s.now, time.UTC)
	for _, key := range []string{
		domain.LineDetail("1", capture.Day()).Key(capture),
		domain.Calendar(capture.Day(), capture.Day()).Key(capture),
		domain.Eta("100").Key(capture),
		capture.EtaIndexKey(),
	} {
		ok, err := s.store.Exists(context.Background(), key)
		s.NoError(err)
		s.True(ok, key)
	}
}
