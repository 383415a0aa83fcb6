package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/function61/certfleet/pkg/acmeclient"
	"github.com/function61/certfleet/pkg/encryptedbox"
	"github.com/function61/gokit/jsonfile"
	"github.com/go-playground/validator/v10"
)

const (
	defaultConfigPath     = "certfleet.json"
	defaultManagerKeyPath = "certfleet-manager.key"
	sealedConfigSuffix    = ".sealed.json"
)

type config struct {
	Acme           acmeConfig        `json:"acme"`
	Dns            dnsConfig         `json:"dns"`
	Storage        storageConfig     `json:"storage"`
	Issuance       issuanceConfig    `json:"issuance"`
	DomainList     string            `json:"domain_list,omitempty"`    // default <storage.dir>/domains.txt
	ZoneOverrides  map[string]string `json:"zone_overrides,omitempty"` // FQDN => zone, for zones the public suffix list gets wrong
	PushgatewayURL string            `json:"pushgateway_url,omitempty" env:"CERTFLEET_PUSHGATEWAY_URL" validate:"omitempty,url"`
	RedisURL       string            `json:"redis_url,omitempty" env:"CERTFLEET_REDIS_URL"` // (optional) run lock
	Appliance      applianceConfig   `json:"appliance"`
}

type acmeConfig struct {
	Contacts       []string `json:"contacts" env:"CERTFLEET_ACME_CONTACTS" envSeparator:"," validate:"required,min=1,dive,required"`
	Directory      string   `json:"directory,omitempty" env:"CERTFLEET_ACME_DIRECTORY" validate:"omitempty,url"`
	AcceptTerms    bool     `json:"accept_terms"`
	AccountKeyPath string   `json:"account_key_path,omitempty"`
}

type dnsConfig struct {
	Provider           string            `json:"provider" validate:"required,oneof=cloudflare route53 memory"`
	Cloudflare         cloudflareConfig  `json:"cloudflare"`
	Route53Region      string            `json:"route53_region,omitempty" env:"AWS_REGION"`
	Route53HostedZones map[string]string `json:"route53_hosted_zones,omitempty"` // zone => hosted zone id. looked up when missing
	MinIntervalMs      int               `json:"min_interval_ms,omitempty" validate:"gte=0"`   // between provider API calls
	Resolvers          []string          `json:"resolvers,omitempty" validate:"dive,hostname_port"` // propagation checks
}

type cloudflareConfig struct {
	ApiToken string `json:"api_token,omitempty" env:"CLOUDFLARE_DNS_API_TOKEN"`
	Email    string `json:"email,omitempty" env:"CLOUDFLARE_EMAIL" validate:"omitempty,email"`
	ApiKey   string `json:"api_key,omitempty" env:"CLOUDFLARE_API_KEY"`
}

type storageConfig struct {
	Dir       string `json:"dir,omitempty" env:"CERTFLEET_STORAGE_DIR"` // default "certificates"
	S3Bucket  string `json:"s3_bucket,omitempty" env:"CERTFLEET_S3_BUCKET"`
	S3Region  string `json:"s3_region,omitempty" env:"AWS_REGION"`
	S3Prefix  string `json:"s3_prefix,omitempty"`
	GitCommit bool   `json:"git_commit"`
	GitPush   bool   `json:"git_push"`
	GitRemote string `json:"git_remote,omitempty"`
}

type issuanceConfig struct {
	KeyType                        string `json:"key_type,omitempty" validate:"omitempty,oneof=P256 P384 2048 3072 4096"`
	RenewalThresholdDays           int    `json:"renewal_threshold_days,omitempty" validate:"gte=0"`
	PropagationTimeoutSeconds      int    `json:"propagation_timeout_seconds,omitempty" validate:"gte=0"`
	RetryAttempts                  int    `json:"retry_attempts,omitempty" validate:"gte=0"`
	RetryDelaySeconds              int    `json:"retry_delay_seconds,omitempty" validate:"gte=0"`
	Concurrency                    int    `json:"concurrency,omitempty" validate:"gte=0,lte=50"`
	KeepRecordOnPropagationTimeout bool   `json:"keep_record_on_propagation_timeout"`
}

// optional. Addr empty = no appliance
type applianceConfig struct {
	Addr                  string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Username              string `json:"username,omitempty" validate:"required_with=Addr"`
	Password              string `json:"password,omitempty" env:"CERTFLEET_APPLIANCE_PASSWORD"`
	HostKey               string `json:"host_key,omitempty"` // authorized_keys format
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key"`
	Domain                string `json:"domain,omitempty" validate:"required_with=Addr"`
	TrustPoint            string `json:"trust_point,omitempty" validate:"required_with=Addr"`
	Interface             string `json:"interface,omitempty"`
	Passphrase            string `json:"passphrase,omitempty" env:"CERTFLEET_APPLIANCE_PASSPHRASE"`
	WriteMemory           bool   `json:"write_memory"`
	ImportAfterRun        bool   `json:"import_after_run"` // when a run issued a new certificate for Domain
}

func (c *config) storageDir() string {
	if c.Storage.Dir == "" {
		return "certificates"
	}
	return c.Storage.Dir
}

func (c *config) domainListPath() string {
	if c.DomainList == "" {
		return filepath.Join(c.storageDir(), "domains.txt")
	}
	return c.DomainList
}

func (a acmeConfig) directory() string {
	if a.Directory == "" {
		return acmeclient.LetsEncryptDirectory
	}
	return a.Directory
}

func (a acmeConfig) accountKeyPath(storageDir string) string {
	if a.AccountKeyPath == "" {
		return filepath.Join(storageDir, "account", "account.key")
	}
	return a.AccountKeyPath
}

func (i issuanceConfig) propagationTimeout() time.Duration {
	return time.Duration(i.PropagationTimeoutSeconds) * time.Second
}

func (a applianceConfig) enabled() bool {
	return a.Addr != ""
}

// checks also rules that span fields
func (c *config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Dns.Provider {
	case "cloudflare":
		cf := c.Dns.Cloudflare
		if cf.ApiToken == "" && (cf.Email == "" || cf.ApiKey == "") {
			return errors.New("dns.cloudflare: api_token or email + api_key required")
		}
	case "route53":
		if c.Dns.Route53Region == "" {
			return errors.New("dns.route53_region required")
		}
	}

	if c.Storage.S3Bucket != "" && c.Storage.S3Region == "" {
		return errors.New("storage.s3_region required with s3_bucket")
	}

	if c.Storage.S3Bucket != "" && c.Storage.GitCommit {
		return errors.New("storage: git_commit is for directory storage only")
	}

	if c.Storage.GitPush && !c.Storage.GitCommit {
		return errors.New("storage: git_push requires git_commit")
	}

	if c.Appliance.enabled() && c.Appliance.HostKey == "" && !c.Appliance.InsecureIgnoreHostKey {
		return errors.New("appliance: host_key required (or insecure_ignore_host_key)")
	}

	return nil
}

// path ending in ".sealed.json" is opened with the manager's private key
func readConfig(path string) (*config, error) {
	confJson, err := readConfigJson(path)
	if err != nil {
		return nil, err
	}

	return parseConfig(bytes.NewReader(confJson))
}

// JSON, then secrets from ENV, then validation
func parseConfig(confJson io.Reader) (*config, error) {
	conf := &config{}
	if err := jsonfile.Unmarshal(confJson, conf, true); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := env.Parse(conf); err != nil {
		return nil, fmt.Errorf("config from ENV: %w", err)
	}

	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return conf, nil
}

func readConfigJson(path string) ([]byte, error) {
	if !strings.HasSuffix(path, sealedConfigSuffix) {
		return os.ReadFile(path)
	}

	privKey, err := encryptedbox.LoadPrivateKey(managerKeyPath())
	if err != nil {
		return nil, fmt.Errorf("manager key: %w", err)
	}

	sealed, err := encryptedbox.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return sealed.Open(privKey)
}

// validates the plaintext config and writes it sealed for the manager's key
func sealConfig(confToValidate io.Reader, sealedPath string) error {
	confJson, err := io.ReadAll(confToValidate)
	if err != nil {
		return err
	}

	if _, err := parseConfig(bytes.NewReader(confJson)); err != nil {
		return err
	}

	privKey, err := encryptedbox.LoadPrivateKey(managerKeyPath())
	if err != nil {
		return fmt.Errorf("manager key: %w", err)
	}

	// the JSON as given, not re-marshaled: ENV-provided secrets must not end up in the file
	sealed, err := encryptedbox.Seal(confJson, &privKey.PublicKey)
	if err != nil {
		return err
	}

	return encryptedbox.WriteFile(sealedPath, sealed)
}

func displayConfig(path string, out io.Writer) error {
	confJson, err := readConfigJson(path)
	if err != nil {
		return err
	}

	conf := &config{}
	if err := jsonfile.Unmarshal(bytes.NewReader(confJson), conf, true); err != nil {
		return err
	}

	return jsonfile.Marshal(out, conf)
}

func managerKeyPath() string {
	if path := os.Getenv("CERTFLEET_MANAGER_KEY"); path != "" {
		return path
	}
	return defaultManagerKeyPath
}
