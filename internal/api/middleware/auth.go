// auth.go — проверка intake-токена WebApp.
// Токен HS256 с общим секретом выдаётся при инициализации WebApp и
// подтверждает целостность конверта: sub обязан совпадать с
// telegram_id из тела заявки (сверка выполняется в handler).
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/arturkryukov/cxrner/release-module/internal/api/errors"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeySubject — ключ для sub из токена в контексте запроса.
const ContextKeySubject contextKey = "intake_subject"

// jwtLeeway — допустимое отклонение часов при проверке exp/nbf.
const jwtLeeway = 30 * time.Second

// IntakeAuth — middleware проверки intake-токена.
type IntakeAuth struct {
	secret []byte
}

// NewIntakeAuth создаёт middleware с общим секретом HS256.
func NewIntakeAuth(secret []byte) *IntakeAuth {
	return &IntakeAuth{secret: secret}
}

// Middleware проверяет Bearer-токен и кладёт sub в контекст запроса.
func (a *IntakeAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			apierrors.Unauthorized(w, "требуется intake-токен")
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims,
			func(t *jwt.Token) (any, error) { return a.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(jwtLeeway),
		)
		if err != nil || !token.Valid || claims.Subject == "" {
			apierrors.Unauthorized(w, "intake-токен недействителен")
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeySubject, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext возвращает sub из контекста запроса.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(ContextKeySubject).(string)
	return sub
}

// IssueIntakeToken выдаёт intake-токен для указанного telegram_id.
// Используется при инициализации WebApp и в тестах.
func IssueIntakeToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
