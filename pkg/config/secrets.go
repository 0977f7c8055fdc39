package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretRef names a secret without embedding it in the config file.
// Exactly one of AwsSecretArn, InsecureValue, or EnvVar must be set.
type SecretRef struct {
	// AwsSecretArn points at an AWS Secrets Manager secret whose string
	// value is a JSON object. Key selects the field to use.
	AwsSecretArn string `json:"aws_secret_arn,omitempty"`
	Key          string `json:"key,omitempty"`

	// InsecureValue embeds the secret directly. Development only.
	InsecureValue string `json:"insecure_value,omitempty"`

	// EnvVar reads the secret from an environment variable.
	EnvVar string `json:"env_var,omitempty"`
}

// Validate checks that exactly one source is configured.
func (r SecretRef) Validate() error {
	sources := 0
	for _, set := range []bool{r.AwsSecretArn != "", r.InsecureValue != "", r.EnvVar != ""} {
		if set {
			sources++
		}
	}
	switch {
	case sources == 0:
		return errors.New("secret ref needs one of: aws_secret_arn, insecure_value, env_var")
	case sources > 1:
		return errors.New("secret ref must set only one of: aws_secret_arn, insecure_value, env_var")
	case r.AwsSecretArn != "" && r.Key == "":
		return errors.New("aws_secret_arn requires key")
	}
	return nil
}

// LogValue renders the ref for logs without exposing an embedded value.
func (r SecretRef) LogValue() slog.Value {
	switch {
	case r.AwsSecretArn != "":
		return slog.GroupValue(slog.String("aws_secret_arn", r.AwsSecretArn), slog.String("key", r.Key))
	case r.EnvVar != "":
		return slog.GroupValue(slog.String("env_var", r.EnvVar))
	case r.InsecureValue != "":
		return slog.GroupValue(slog.String("insecure_value", "REDACTED"))
	default:
		return slog.GroupValue()
	}
}

// SecretsManagerClient is the slice of the AWS Secrets Manager API the
// cache uses. Tests inject a fake.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves SecretRefs, memoizing AWS Secrets Manager
// fetches for the life of the process. Safe for concurrent use.
type SecretCache struct {
	mu     sync.RWMutex
	cache  map[string]map[string]any
	client SecretsManagerClient
}

// NewSecretCache builds a cache around an AWS Secrets Manager client.
// A nil client is allowed when no config references AWS secrets.
func NewSecretCache(client SecretsManagerClient) *SecretCache {
	return &SecretCache{
		cache:  make(map[string]map[string]any),
		client: client,
	}
}

// NewSecretCacheFromEnv builds a cache using ambient AWS configuration.
func NewSecretCacheFromEnv(ctx context.Context) (*SecretCache, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSecretCache(secretsmanager.NewFromConfig(cfg)), nil
}

// Get resolves a SecretRef to its value.
func (sc *SecretCache) Get(ctx context.Context, ref SecretRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	switch {
	case ref.InsecureValue != "":
		return ref.InsecureValue, nil

	case ref.EnvVar != "":
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", ref.EnvVar)
		}
		return val, nil
	}

	if fields, ok := sc.cached(ref.AwsSecretArn); ok {
		return stringField(fields, ref.Key)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	// Another goroutine may have fetched while we waited for the lock.
	if fields, ok := sc.cache[ref.AwsSecretArn]; ok {
		return stringField(fields, ref.Key)
	}

	fields, err := sc.fetch(ctx, ref.AwsSecretArn)
	if err != nil {
		return "", err
	}
	sc.cache[ref.AwsSecretArn] = fields
	return stringField(fields, ref.Key)
}

func (sc *SecretCache) cached(arn string) (map[string]any, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	fields, ok := sc.cache[arn]
	return fields, ok
}

func (sc *SecretCache) fetch(ctx context.Context, arn string) (map[string]any, error) {
	if sc.client == nil {
		return nil, fmt.Errorf("secret %s: no AWS Secrets Manager client configured", arn)
	}
	out, err := sc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", arn, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", arn)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
		return nil, fmt.Errorf("parse secret %s as JSON: %w", arn, err)
	}
	return fields, nil
}

func stringField(fields map[string]any, key string) (string, error) {
	val, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret", key)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("secret key %q is not a string (got %T)", key, val)
	}
	return s, nil
}
