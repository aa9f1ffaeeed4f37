package reconnect

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"github.com/romashorodok/session-coordinator/pkg/variables"
	"go.uber.org/fx"
)

const _ROOM_CLAIM = "room:id"

type tokenBinding struct {
	roomID        protocol.RoomID
	participantID protocol.ParticipantID
	issuedAt      time.Time
}

type TokenServiceConfig struct {
	// MaxAge bounds token validity independently of the room's own
	// reconnection window.
	MaxAge time.Duration

	// Secret switches the service into HMAC mode: tokens become HS256
	// signed claims and their signature verifies without a lookup. The
	// single-use guarantee still needs the binding table.
	Secret []byte
}

func NewTokenServiceConfig() (TokenServiceConfig, error) {
	maxAge, err := variables.ParseDuration(variables.Env(variables.RECONNECTION_TOKEN_MAX_AGE_NAME, variables.RECONNECTION_TOKEN_MAX_AGE_DEFAULT))
	if err != nil {
		return TokenServiceConfig{}, err
	}

	config := TokenServiceConfig{MaxAge: maxAge}
	if secret := variables.Env(variables.RECONNECTION_TOKEN_SECRET_NAME, variables.RECONNECTION_TOKEN_SECRET_DEFAULT); secret != "" {
		config.Secret = []byte(secret)
	}
	return config, nil
}

// TokenService issues and validates single-use reconnection tokens bound to
// a (room, participant) pair.
type TokenService struct {
	mu sync.Mutex

	logger *slog.Logger
	config TokenServiceConfig
	now    func() time.Time

	// bindings is keyed by the opaque token itself in random mode, and by
	// the token's jti in HMAC mode.
	bindings      map[string]tokenBinding
	byParticipant map[protocol.ParticipantID]string
}

func (s *TokenService) hmacMode() bool {
	return len(s.config.Secret) > 0
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *TokenService) signToken(roomID protocol.RoomID, participantID protocol.ParticipantID, jti string, issuedAt time.Time) (string, error) {
	b := jwt.NewBuilder().
		Subject(participantID).
		JwtID(jti).
		IssuedAt(issuedAt).
		Expiration(issuedAt.Add(s.config.MaxAge))

	token, err := b.Build()
	if err != nil {
		return "", err
	}

	if err = token.Set(_ROOM_CLAIM, roomID); err != nil {
		return "", fmt.Errorf("unable set `%s` claim. Error: %s", _ROOM_CLAIM, err)
	}

	byteToken, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.config.Secret))
	if err != nil {
		return "", err
	}
	return string(byteToken), nil
}

// Issue creates a fresh token for the participant, revoking any previously
// issued one.
func (s *TokenService) Issue(roomID protocol.RoomID, participantID protocol.ParticipantID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, exist := s.byParticipant[participantID]; exist {
		delete(s.bindings, previous)
	}

	issuedAt := s.now()

	var token, key string
	if s.hmacMode() {
		jti := uuid.NewString()
		signed, err := s.signToken(roomID, participantID, jti, issuedAt)
		if err != nil {
			return "", err
		}
		token, key = signed, jti
	} else {
		opaque, err := randomToken()
		if err != nil {
			return "", err
		}
		token, key = opaque, opaque
	}

	s.bindings[key] = tokenBinding{
		roomID:        roomID,
		participantID: participantID,
		issuedAt:      issuedAt,
	}
	s.byParticipant[participantID] = key

	return token, nil
}

func (s *TokenService) bindingKey(token string) (string, error) {
	if !s.hmacMode() {
		return token, nil
	}

	parsed, err := jwt.Parse([]byte(token), jwt.WithKey(jwa.HS256, s.config.Secret), jwt.WithValidate(false))
	if err != nil {
		return "", ErrTokenInvalid
	}
	jti := parsed.JwtID()
	if jti == "" {
		return "", ErrTokenInvalid
	}
	return jti, nil
}

// Validate checks the token against the room and consumes it: a second
// presentation of the same token always fails.
func (s *TokenService) Validate(token string, roomID protocol.RoomID) (protocol.ParticipantID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.bindingKey(token)
	if err != nil {
		return "", err
	}

	binding, exist := s.bindings[key]
	if !exist {
		return "", ErrTokenInvalid
	}

	// A presented token is spent whatever the outcome: burn the binding
	// before the room and age checks.
	delete(s.bindings, key)
	if current, ok := s.byParticipant[binding.participantID]; ok && current == key {
		delete(s.byParticipant, binding.participantID)
	}

	if binding.roomID != roomID {
		return "", ErrTokenInvalid
	}
	if s.now().Sub(binding.issuedAt) > s.config.MaxAge {
		return "", ErrTokenExpired
	}

	return binding.participantID, nil
}

// Invalidate drops the participant's outstanding token, if any. Called when
// the participant record itself is evicted.
func (s *TokenService) Invalidate(participantID protocol.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, exist := s.byParticipant[participantID]; exist {
		delete(s.bindings, key)
		delete(s.byParticipant, participantID)
	}
}

type NewTokenServiceParams struct {
	fx.In

	Logger *slog.Logger
	Config TokenServiceConfig
}

func NewTokenService(params NewTokenServiceParams) *TokenService {
	return &TokenService{
		logger:        params.Logger,
		config:        params.Config,
		now:           time.Now,
		bindings:      make(map[string]tokenBinding),
		byParticipant: make(map[protocol.ParticipantID]string),
	}
}
