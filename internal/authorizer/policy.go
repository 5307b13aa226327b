package authorizer

import (
	"fmt"
	"strings"

	"github.com/routeflow/dispatch/pkg/models"
)

// MethodARN is a parsed gateway method ARN of the form
// arn:aws:execute-api:{region}:{account}:{apiID}/{stage}/{method}/{path}.
type MethodARN struct {
	Region  string
	Account string
	APIID   string
	Stage   string
	Method  string
	Path    string
}

// ParseMethodARN splits a method ARN into its parts. The path segment may
// be empty.
func ParseMethodARN(arn string) (*MethodARN, error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return nil, models.Errorf(models.ErrValidation, "malformed method arn %q", arn)
	}
	segments := strings.SplitN(parts[5], "/", 4)
	if len(segments) < 3 {
		return nil, models.Errorf(models.ErrValidation, "malformed method arn resource %q", parts[5])
	}
	m := &MethodARN{
		Region:  parts[3],
		Account: parts[4],
		APIID:   segments[0],
		Stage:   segments[1],
		Method:  segments[2],
	}
	if len(segments) == 4 {
		m.Path = segments[3]
	}
	return m, nil
}

// Wildcard returns the resource ARN covering every method and path of the
// same stage. Policies are cached by the gateway, so a decision scoped to
// one path would wrongly stick to the connection.
func (m *MethodARN) Wildcard() string {
	return fmt.Sprintf("arn:aws:execute-api:%s:%s:%s/%s/*", m.Region, m.Account, m.APIID, m.Stage)
}

// AllowDecision builds an access-policy document permitting invocation of
// the resource.
func AllowDecision(principalID, resource string, context map[string]any) *models.Decision {
	return decision(principalID, models.EffectAllow, resource, context)
}

// DenyDecision builds a denial carrying the failure reason in the policy
// context under error_message.
func DenyDecision(principalID, resource, errMsg string) *models.Decision {
	ctx := map[string]any{}
	if errMsg != "" {
		ctx["error_message"] = errMsg
	}
	return decision(principalID, models.EffectDeny, resource, ctx)
}

func decision(principalID string, effect models.PolicyEffect, resource string, context map[string]any) *models.Decision {
	if principalID == "" {
		principalID = "unknown"
	}
	return &models.Decision{
		PrincipalID: principalID,
		PolicyDocument: models.PolicyDocument{
			Version: "2012-10-17",
			Statement: []models.PolicyStatement{
				{
					Action:   "execute-api:Invoke",
					Effect:   effect,
					Resource: resource,
				},
			},
		},
		Context: context,
	}
}
