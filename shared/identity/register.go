package identity

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/cognitoidentityprovider"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
)

// Registration is a new account request.
type Registration struct {
	Email      string
	Password   string
	GivenName  string
	FamilyName string
}

// Registrar creates and removes provider accounts. Delete is the compensation
// for a Register whose local user could not be stored.
type Registrar interface {
	Register(ctx context.Context, r Registration) (*Identity, error)
	Delete(ctx context.Context, username string) error
}

var invalidSignUpCodes = map[string]bool{
	cognitoidentityprovider.ErrCodeUsernameExistsException:      true,
	cognitoidentityprovider.ErrCodeInvalidPasswordException:     true,
	cognitoidentityprovider.ErrCodeInvalidParameterException:    true,
	cognitoidentityprovider.ErrCodeAliasExistsException:         true,
	cognitoidentityprovider.ErrCodeCodeDeliveryFailureException: true,
}

// Register signs the user up. Rejected sign-ups are InvalidInput and do not
// count against the circuit breaker.
func (v *CognitoVerifier) Register(ctx context.Context, r Registration) (*Identity, error) {
	const op = "identity.Register"

	attrs := []*cognitoidentityprovider.AttributeType{
		{Name: aws.String("email"), Value: aws.String(r.Email)},
	}
	if r.GivenName != "" {
		attrs = append(attrs, &cognitoidentityprovider.AttributeType{Name: aws.String("given_name"), Value: aws.String(r.GivenName)})
	}
	if r.FamilyName != "" {
		attrs = append(attrs, &cognitoidentityprovider.AttributeType{Name: aws.String("family_name"), Value: aws.String(r.FamilyName)})
	}
	input := &cognitoidentityprovider.SignUpInput{
		ClientId:       aws.String(v.clientID),
		Username:       aws.String(r.Email),
		Password:       aws.String(r.Password),
		UserAttributes: attrs,
	}
	if hash := SecretHash(r.Email, v.clientID, v.clientSecret); hash != "" {
		input.SecretHash = aws.String(hash)
	}

	var (
		out      *cognitoidentityprovider.SignUpOutput
		rejected error
	)
	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = v.client.SignUpWithContext(ctx, input)
		var aerr awserr.Error
		if errors.As(err, &aerr) && invalidSignUpCodes[aerr.Code()] {
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	if rejected != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, op, rejected)
	}
	if out.UserSub == nil {
		return nil, apperr.Errorf(apperr.KindUnavailable, op, "sign-up returned no subject")
	}
	return &Identity{
		ExternalID:    aws.StringValue(out.UserSub),
		Email:         r.Email,
		EmailVerified: aws.BoolValue(out.UserConfirmed),
		GivenName:     r.GivenName,
		FamilyName:    r.FamilyName,
	}, nil
}

// Delete removes a provider account by username.
func (v *CognitoVerifier) Delete(ctx context.Context, username string) error {
	return v.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := v.client.AdminDeleteUserWithContext(ctx, &cognitoidentityprovider.AdminDeleteUserInput{
			UserPoolId: aws.String(v.userPoolID),
			Username:   aws.String(username),
		})
		return err
	})
}
