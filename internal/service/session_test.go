package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"transit_fetcher/internal/domain"
	"transit_fetcher/internal/service/mocks"
)

type SessionManagerTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	auth  *mocks.MockAuthenticator
	store *mocks.MockGateway

	manager *SessionManager
	capture domain.Capture
	now     time.Time
	creds   domain.Credentials
}

func (s *SessionManagerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.auth = mocks.NewMockAuthenticator(s.ctrl)
	s.store = mocks.NewMockGateway(s.ctrl)

	s.now = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	s.capture = domain.NewCapture("emt", s.now, time.UTC)
	s.creds = domain.Credentials{ClientID: "client", PassKey: "secret"}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.manager = NewSessionManager(s.auth, s.store, s.creds, logger)
	s.manager.now = func() time.Time { return s.now }
}

func (s *SessionManagerTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSessionManagerTestSuite(t *testing.T) {
	suite.Run(t, new(SessionManagerTestSuite))
}

func (s *SessionManagerTestSuite) TestToken_LogsInWithoutArtifact() {
	ctx := context.Background()
	key := s.capture.LoginKey()
	fresh := domain.Token{Value: "fresh", ExpiresAt: s.now.Add(time.Hour)}
	body := []byte(`{"code":"00"}`)

	s.store.EXPECT().Read(gomock.Any(), key).Return(nil, false, nil)
	s.auth.EXPECT().Login(gomock.Any(), s.creds).Return(fresh, body, nil)
	s.store.EXPECT().WriteMany(gomock.Any(), map[string][]byte{key: body}).Return(nil)

	token, err := s.manager.Token(ctx, s.capture)

	s.NoError(err)
	s.Equal(fresh, token)
}

func (s *SessionManagerTestSuite) TestToken_ReusesValidArtifact() {
	ctx := context.Background()
	body := []byte(`cached`)
	cached := domain.Token{Value: "cached", ExpiresAt: s.now.Add(time.Hour)}

	s.store.EXPECT().Read(gomock.Any(), s.capture.LoginKey()).Return(body, true, nil)
	s.auth.EXPECT().DecodeLogin(body).Return(cached, nil)

	token, err := s.manager.Token(ctx, s.capture)

	s.NoError(err)
	s.Equal(cached, token)
}

func (s *SessionManagerTestSuite) TestToken_RenewsExpiredArtifact() {
	ctx := context.Background()
	key := s.capture.LoginKey()
	expired := domain.Token{Value: "old", ExpiresAt: s.now.Add(-time.Minute)}
	fresh := domain.Token{Value: "new", ExpiresAt: s.now.Add(time.Hour)}

	s.store.EXPECT().Read(gomock.Any(), key).Return([]byte(`old`), true, nil)
	s.auth.EXPECT().DecodeLogin([]byte(`old`)).Return(expired, nil)
	s.auth.EXPECT().Login(gomock.Any(), s.creds).Return(fresh, []byte(`new`), nil)
	s.store.EXPECT().WriteMany(gomock.Any(), map[string][]byte{key: []byte(`new`)}).Return(nil)

	token, err := s.manager.Token(ctx, s.capture)

	s.NoError(err)
	s.Equal("new", token.Value)
}

func (s *SessionManagerTestSuite) TestToken_ExpiryEqualToNowIsExpired() {
	ctx := context.Background()
	atNow := domain.Token{Value: "old", ExpiresAt: s.now}

	s.store.EXPECT().Read(gomock.Any(), gomock.Any()).Return([]byte(`old`), true, nil)
	s.auth.EXPECT().DecodeLogin(gomock.Any()).Return(atNow, nil)
	s.auth.EXPECT().Login(gomock.Any(), s.creds).Return(domain.Token{Value: "new"}, []byte(`new`), nil)
	s.store.EXPECT().WriteMany(gomock.Any(), gomock.Any()).Return(nil)

	token, err := s.manager.Token(ctx, s.capture)

	s.NoError(err)
	s.Equal("new", token.Value)
}

func (s *SessionManagerTestSuite) TestToken_MissingExpiryForcesLogin() {
	ctx := context.Background()

	s.store.EXPECT().Read(gomock.Any(), gomock.Any()).Return([]byte(`noexp`), true, nil)
	s.auth.EXPECT().DecodeLogin([]byte(`noexp`)).Return(domain.Token{Value: "noexp"}, nil)
	s.auth.EXPECT().Login(gomock.Any(), s.creds).Return(domain.Token{Value: "new", ExpiresAt: s.now.Add(time.Hour)}, []byte(`new`), nil)
	s.store.EXPECT().WriteMany(gomock.Any(), gomock.Any()).Return(nil)

	token, err := s.manager.Token(ctx, s.capture)

	s.NoError(err)
	s.Equal("new", token.Value)
}

func (s *SessionManagerTestSuite) TestToken_UnreadableArtifactForcesLogin() {
	ctx := context.Background()

	s.store.EXPECT().Read(gomock.Any(), gomock.Any()).Return([]byte(`garbage`), true, nil)
	s.auth.EXPECT().DecodeLogin([]byte(`garbage`)).Return(domain.Token{}, domain.ErrAuthentication)
	s.auth.EXPECT().Login(gomock.Any(), s.creds).Return(domain.Token{Value: "new"}, []byte(`new`), nil)
	s.store.EXPECT().WriteMany(gomock.Any(), gomock.Any()).Return(nil)

	token, err := s.manager.Token(ctx, s.capture)

	s.NoError(err)
	s.Equal("new", token.Value)
}

func (s *SessionManagerTestSuite) TestToken_LoginFailure() {
	ctx := context.Background()

	s.store.EXPECT().Read(gomock.Any(), gomock.Any()).Return(nil, false, nil)
	s.auth.EXPECT().Login(gomock.Any(), s.creds).Return(domain.Token{}, nil, domain.ErrAuthentication)

	_, err := s.manager.Token(ctx, s.capture)

	s.ErrorIs(err, domain.ErrAuthentication)
}

func (s *SessionManagerTestSuite) TestToken_PersistFailureKeepsToken() {
	ctx := context.Background()
	fresh := domain.Token{Value: "fresh", ExpiresAt: s.now.Add(time.Hour)}

	s.store.EXPECT().Read(gomock.Any(), gomock.Any()).Return(nil, false, nil)
	s.auth.EXPECT().Login(gomock.Any(), s.creds).Return(fresh, []byte(`body`), nil)
	s.store.EXPECT().WriteMany(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	token, err := s.manager.Token(ctx, s.capture)

	s.NoError(err)
	s.Equal(fresh, token)
}

func (s *SessionManagerTestSuite) TestToken_ReadErrorAborts() {
	ctx := context.Background()

	s.store.EXPECT().Read(gomock.Any(), gomock.Any()).Return(nil, false, domain.ErrStorage)

	_, err := s.manager.Token(ctx, s.capture)

	s.ErrorIs(err, domain.ErrStorage)
}

func (s *SessionManagerTestSuite) TestToken_CancelledCallerDoesNotFailOthers() {
	fresh := domain.Token{Value: "fresh", ExpiresAt: s.now.Add(time.Hour)}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	s.store.EXPECT().Read(gomock.Any(), gomock.Any()).Return(nil, false, nil).AnyTimes()
	s.store.EXPECT().WriteMany(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.auth.EXPECT().Login(gomock.Any(), s.creds).DoAndReturn(
		func(ctx context.Context, _ domain.Credentials) (domain.Token, []byte, error) {
			once.Do(func() { close(started) })
			<-release
			if err := ctx.Err(); err != nil {
				return domain.Token{}, nil, err
			}
			return fresh, []byte(`body`), nil
		},
	).AnyTimes()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.manager.Token(firstCtx, s.capture)
		firstErr <- err
	}()

	<-started
	cancelFirst()
	s.ErrorIs(<-firstErr, context.Canceled)

	type result struct {
		token domain.Token
		err   error
	}
	second := make(chan result, 1)
	go func() {
		token, err := s.manager.Token(context.Background(), s.capture)
		second <- result{token, err}
	}()

	// let the second caller join the login still in flight
	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-second
	s.NoError(res.err)
	s.Equal(fresh, res.token)
}
