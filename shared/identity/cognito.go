// Package identity verifies user credentials against the external identity
// provider and returns who the user is.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go/service/cognitoidentityprovider/cognitoidentityprovideriface"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// Identity is the verified subject returned by the provider.
type Identity struct {
	ExternalID    string
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
}

// Verifier checks a username and password.
type Verifier interface {
	Verify(ctx context.Context, username, password string) (*Identity, error)
}

// idTokenParser validates a provider ID token.
type idTokenParser interface {
	Parse(ctx context.Context, token string, opts ...jwt.ParserOption) (jwt.MapClaims, error)
}

// CognitoVerifier runs USER_PASSWORD_AUTH against a Cognito app client and
// validates the returned ID token against the pool's JWKS.
type CognitoVerifier struct {
	client       cognitoidentityprovideriface.CognitoIdentityProviderAPI
	keys         idTokenParser
	breaker      *utils.CircuitBreaker
	clientID     string
	clientSecret string
	userPoolID   string
	issuer       string
}

// NewCognitoVerifier builds a verifier from configuration.
func NewCognitoVerifier(cfg *config.CognitoConfig) (*CognitoVerifier, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	keys := NewKeySet(CognitoJWKSURL(cfg.Region, cfg.UserPoolID), nil)
	return newCognitoVerifier(cognitoidentityprovider.New(sess), keys, cfg), nil
}

func newCognitoVerifier(client cognitoidentityprovideriface.CognitoIdentityProviderAPI, keys idTokenParser, cfg *config.CognitoConfig) *CognitoVerifier {
	return &CognitoVerifier{
		client:       client,
		keys:         keys,
		breaker:      utils.NewCircuitBreaker("cognito", 5, 30*time.Second),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		userPoolID:   cfg.UserPoolID,
		issuer:       fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", cfg.Region, cfg.UserPoolID),
	}
}

// SecretHash computes the SECRET_HASH parameter for app clients with a secret.
func SecretHash(username, clientID, clientSecret string) string {
	if clientSecret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(clientSecret))
	mac.Write([]byte(username + clientID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

var rejectedCodes = map[string]bool{
	cognitoidentityprovider.ErrCodeNotAuthorizedException:         true,
	cognitoidentityprovider.ErrCodeUserNotFoundException:          true,
	cognitoidentityprovider.ErrCodeUserNotConfirmedException:      true,
	cognitoidentityprovider.ErrCodePasswordResetRequiredException: true,
}

// Verify authenticates the user. Rejected credentials are an
// AuthenticationFailure and do not count against the circuit breaker;
// provider outages are Unavailable.
func (v *CognitoVerifier) Verify(ctx context.Context, username, password string) (*Identity, error) {
	const op = "identity.Verify"

	params := map[string]*string{
		"USERNAME": aws.String(username),
		"PASSWORD": aws.String(password),
	}
	if hash := SecretHash(username, v.clientID, v.clientSecret); hash != "" {
		params["SECRET_HASH"] = aws.String(hash)
	}
	input := &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow:       aws.String(cognitoidentityprovider.AuthFlowTypeUserPasswordAuth),
		ClientId:       aws.String(v.clientID),
		AuthParameters: params,
	}

	var (
		out      *cognitoidentityprovider.InitiateAuthOutput
		rejected error
	)
	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = v.client.InitiateAuthWithContext(ctx, input)
		var aerr awserr.Error
		if errors.As(err, &aerr) && rejectedCodes[aerr.Code()] {
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	if rejected != nil {
		return nil, apperr.Wrap(apperr.KindAuthenticationFailure, op, rejected)
	}
	if out.AuthenticationResult == nil || out.AuthenticationResult.IdToken == nil {
		// a challenge (e.g. NEW_PASSWORD_REQUIRED) must be completed elsewhere
		return nil, apperr.Errorf(apperr.KindAuthenticationFailure, op, "challenge %s not supported", aws.StringValue(out.ChallengeName))
	}

	claims, err := v.keys.Parse(ctx, aws.StringValue(out.AuthenticationResult.IdToken),
		jwt.WithIssuer(v.issuer), jwt.WithAudience(v.clientID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthenticationFailure, op, err)
	}
	if use, _ := claims["token_use"].(string); use != "id" {
		return nil, apperr.Errorf(apperr.KindAuthenticationFailure, op, "unexpected token_use %q", use)
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if sub == "" || email == "" {
		return nil, apperr.Errorf(apperr.KindAuthenticationFailure, "identity.Verify", "id token missing sub or email")
	}
	id := &Identity{ExternalID: sub, Email: email}
	id.GivenName, _ = claims["given_name"].(string)
	id.FamilyName, _ = claims["family_name"].(string)

	// Cognito sends email_verified as a bool, some pools as a string.
	switch v := claims["email_verified"].(type) {
	case bool:
		id.EmailVerified = v
	case string:
		id.EmailVerified = v == "true"
	}
	return id, nil
}
