package cfg

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

// ParameterGetter is the slice of the SSM API used to resolve secrets.
// *ssm.Client satisfies it.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveSecrets fills SecretAccessKey from SecretAccessKeySSMParam when set.
// Static values already on c are left alone.
func ResolveSecrets(ctx context.Context, c *App, ssmc ParameterGetter) error {
	if c.SecretAccessKeySSMParam == "" || c.SecretAccessKey != "" {
		return nil
	}
	if ssmc == nil {
		return xerrors.New("ssm client is required to resolve secret-access-key-ssm-param")
	}
	out, err := ssmc.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(c.SecretAccessKeySSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return xerrors.Wrapf(err, "get ssm parameter %s", c.SecretAccessKeySSMParam)
	}
	if out.Parameter == nil || strings.TrimSpace(aws.ToString(out.Parameter.Value)) == "" {
		return xerrors.Newf("ssm parameter %s is empty", c.SecretAccessKeySSMParam)
	}
	c.SecretAccessKey = strings.TrimSpace(aws.ToString(out.Parameter.Value))
	return nil
}

// StaticCredentials reports whether a static key pair should replace the default chain.
func (c App) StaticCredentials() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}
