package cfg

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// NewSSMClient builds a Parameter Store client from the default AWS credential chain.
func NewSSMClient(ctx context.Context) (*ssm.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// FillFromSSM applies parameters stored under ssmPath, one per flag, named by
// the flag ("<ssmPath>/http-port"). Flags set on the CLI or through the
// environment keep their value, so precedence is cli > env > ssm > default.
// Unknown parameter names are reported through logf and skipped.
func FillFromSSM(ctx context.Context, fs *flag.FlagSet, api ssm.GetParametersByPathAPIClient, ssmPath, envPrefix string, logf func(string, ...any)) error {
	if ssmPath == "" {
		return nil
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	p := ssm.NewGetParametersByPathPaginator(api, &ssm.GetParametersByPathInput{
		Path:           aws.String(ssmPath),
		WithDecryption: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("ssm get parameters by path %q: %w", ssmPath, err)
		}
		for _, param := range page.Parameters {
			name := path.Base(aws.ToString(param.Name))
			val := aws.ToString(param.Value)

			f := fs.Lookup(name)
			if f == nil {
				if logf != nil {
					logf("ssm parameter %s: no matching flag, skipped", aws.ToString(param.Name))
				}
				continue
			}
			if explicit[name] {
				continue
			}
			if _, envSet := os.LookupEnv(envKey(envPrefix, name)); envSet {
				continue
			}
			prev := f.Value.String()
			if err := fs.Set(name, val); err != nil {
				_ = fs.Set(name, prev)
				if logf != nil {
					logf("flag -%s: ignoring invalid ssm value %q: %v", name, val, err)
				}
			}
		}
	}
	return nil
}
