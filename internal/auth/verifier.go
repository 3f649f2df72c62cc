package auth

import (
	"context"

	"github.com/juju/errors"
)

// Identity is the stable user identity a credential resolves to.
type Identity struct {
	UserID int64
}

// Verifier resolves an opaque bearer credential to an Identity. Failures
// satisfy errors.Is(err, errors.Unauthorized).
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// UserChecker reports whether a user id still exists.
type UserChecker interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// JWTVerifier validates HS256 tokens issued by NewToken. When Users is set
// the subject must also exist in the store.
type JWTVerifier struct {
	Secret string
	Users  UserChecker
}

func (v JWTVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, errors.Unauthorizedf("missing credential")
	}
	claims, err := ParseToken(v.Secret, credential)
	if err != nil {
		return Identity{}, errors.NewUnauthorized(err, "invalid token")
	}
	if v.Users != nil {
		ok, err := v.Users.UserExists(ctx, claims.UserId)
		if err != nil {
			return Identity{}, errors.Annotate(err, "looking up token subject")
		}
		if !ok {
			return Identity{}, errors.Unauthorizedf("user %d", claims.UserId)
		}
	}
	return Identity{UserID: claims.UserId}, nil
}
