package cfg

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

// requiredArgs are the settings without defaults
var requiredArgs = []string{
	"-bucket=rules",
	"-cdn-base-url=https://cdn.example.com",
	"-cdn-distribution-id=E2ABCDEF",
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000, got %d", c.AdminPort)
	}
	if c.Schedule != "0 2 * * *" {
		t.Errorf("Schedule: want daily 02:00, got %q", c.Schedule)
	}
	if c.StagingDir != "downloads" {
		t.Errorf("StagingDir: want downloads, got %q", c.StagingDir)
	}
	if !c.RunOnStart {
		t.Error("RunOnStart: want true")
	}
	if c.FetchTimeout != 5*time.Minute {
		t.Errorf("FetchTimeout: want 5m, got %s", c.FetchTimeout)
	}
	if c.InvalidationRPS != 1 {
		t.Errorf("InvalidationRPS: want 1, got %v", c.InvalidationRPS)
	}
	if c.EnablePyroscope || c.EnableTracing {
		t.Error("profiling and tracing should default off")
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-log-json=false",
		"-admin-port=9100",
		"-bucket=b",
		"-key-prefix=mirror",
		"-cdn-distribution-id=E1",
		"-schedule=30 4 * * *",
		"-schedule-tz=Asia/Shanghai",
		"-fetch-timeout=90s",
		"-run-on-start=false",
		"-invalidation-rps=0.5",
	})

	if c.LogJSON {
		t.Error("LogJSON: want false")
	}
	if c.AdminPort != 9100 || c.Bucket != "b" || c.KeyPrefix != "mirror" || c.CDNDistributionID != "E1" {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.Schedule != "30 4 * * *" || c.ScheduleTZ != "Asia/Shanghai" {
		t.Errorf("schedule = %q tz = %q", c.Schedule, c.ScheduleTZ)
	}
	if c.FetchTimeout != 90*time.Second || c.RunOnStart || c.InvalidationRPS != 0.5 {
		t.Errorf("overrides not applied: %+v", c)
	}
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey(EnvPrefix, "secret-access-key-ssm-param"); got != "RULESYNC_SECRET_ACCESS_KEY_SSM_PARAM" {
		t.Fatalf("EnvKey = %q", got)
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"BUCKET", "env-bucket")
	t.Setenv(pfx+"CDN_BASE_URL", "https://cdn.env")
	t.Setenv(pfx+"FETCH_TIMEOUT", "2m")
	t.Setenv(pfx+"RUN_ON_START", "false")
	t.Setenv(pfx+"TRACE_SAMPLE", "0.25")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want debug, got %q", c.LogLevel)
	}
	if c.Bucket != "env-bucket" || c.CDNBaseURL != "https://cdn.env" {
		t.Errorf("bucket/cdn from env: %q %q", c.Bucket, c.CDNBaseURL)
	}
	if c.FetchTimeout != 2*time.Minute {
		t.Errorf("FetchTimeout: want 2m, got %s", c.FetchTimeout)
	}
	if c.RunOnStart {
		t.Error("RunOnStart: want false from env")
	}
	if c.TraceSample != 0.25 {
		t.Errorf("TraceSample: want 0.25, got %f", c.TraceSample)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"BUCKET", "env-bucket")
	t.Setenv(pfx+"SECRET_ACCESS_KEY", "env-secret")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-bucket=cli-bucket", "-secret-access-key=cli-secret"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.Bucket != "cli-bucket" || c.SecretAccessKey != "cli-secret" {
		t.Errorf("cli should win: %q %q", c.Bucket, c.SecretAccessKey)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 override messages, got %v", msgs)
	}
	for _, m := range msgs {
		if !strings.Contains(m, "overrides env") {
			t.Errorf("unexpected message: %s", m)
		}
		if strings.Contains(m, "cli-secret") || strings.Contains(m, "env-secret") {
			t.Errorf("secret leaked into log message: %s", m)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"ADMIN_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000 (default), got %d", c.AdminPort)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "ignoring invalid env") {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, append([]string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-access-key-id=AKIAEXAMPLE",
		"-secret-access-key-ssm-param=/rulesync/secret",
		"-schedule-tz=UTC",
	}, requiredArgs...))
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	err := Validate(newTestConfig(t, nil))
	wantErrContains(t, err, "BUCKET is required")
	wantErrContains(t, err, "CDN_BASE_URL is required")
	wantErrContains(t, err, "CDN_DISTRIBUTION_ID is required")
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, append([]string{
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-secret-access-key=s",
		"-secret-access-key-ssm-param=/p",
		"-key-prefix=../up",
		"-s3-endpoint=minio:9000",
		"-invalidation-rps=-1",
		"-fetch-timeout=0s",
		"-schedule=every day",
		"-schedule-tz=Mars/Olympus",
		"-staging-dir=",
	}, requiredArgs...))
	c.CDNBaseURL = "ftp://cdn.example.com"

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "PYRO_TENANT required")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "ACCESS_KEY_ID required")
	wantErrContains(t, err, "mutually exclusive")
	wantErrContains(t, err, "KEY_PREFIX")
	wantErrContains(t, err, "S3_ENDPOINT must be a URL")
	wantErrContains(t, err, "CDN_BASE_URL must be an http(s) URL")
	wantErrContains(t, err, "INVALIDATION_RPS")
	wantErrContains(t, err, "FETCH_TIMEOUT")
	wantErrContains(t, err, "invalid SCHEDULE:")
	wantErrContains(t, err, "invalid SCHEDULE_TZ")
	wantErrContains(t, err, "STAGING_DIR is required")
}

func TestValidate_KeyIDWithoutSecret(t *testing.T) {
	c := newTestConfig(t, append([]string{"-access-key-id=AKIA"}, requiredArgs...))
	wantErrContains(t, Validate(c), "SECRET_ACCESS_KEY or SECRET_ACCESS_KEY_SSM_PARAM required")
}

// secrets

type fakeSSM struct {
	calls []*ssm.GetParameterInput
	value *string
	err   error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: f.value}}, nil
}

func TestResolveSecrets_FromSSM(t *testing.T) {
	f := &fakeSSM{value: aws.String("  s3cr3t\n")}
	c := App{AccessKeyID: "AKIA", SecretAccessKeySSMParam: "/rulesync/secret"}

	if err := ResolveSecrets(context.Background(), &c, f); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if c.SecretAccessKey != "s3cr3t" {
		t.Fatalf("SecretAccessKey = %q", c.SecretAccessKey)
	}
	if len(f.calls) != 1 || !aws.ToBool(f.calls[0].WithDecryption) || aws.ToString(f.calls[0].Name) != "/rulesync/secret" {
		t.Fatalf("calls = %+v", f.calls)
	}
	if !c.StaticCredentials() {
		t.Fatal("resolved pair should switch to static credentials")
	}
}

func TestResolveSecrets_NoParamIsNoop(t *testing.T) {
	f := &fakeSSM{}
	c := App{}
	if err := ResolveSecrets(context.Background(), &c, f); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 || c.StaticCredentials() {
		t.Fatal("nothing should be resolved")
	}
}

func TestResolveSecrets_Errors(t *testing.T) {
	c := App{SecretAccessKeySSMParam: "/p"}
	if err := ResolveSecrets(context.Background(), &c, nil); err == nil {
		t.Fatal("expected error without client")
	}

	cause := errors.New("ParameterNotFound")
	err := ResolveSecrets(context.Background(), &c, &fakeSSM{err: cause})
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v", err)
	}

	err = ResolveSecrets(context.Background(), &c, &fakeSSM{value: aws.String(" ")})
	wantErrContains(t, err, "is empty")
}
