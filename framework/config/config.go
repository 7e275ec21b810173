/*
Ferrymail - Standalone outbound email delivery engine.
Copyright © 2022-2024 Ferrymail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config defines the typed configuration tree of the delivery
// engine.
//
// Values are resolved in three passes: the YAML file (if any), then the
// documented environment variables, then built-in defaults for whatever is
// still unset. Unknown YAML keys are rejected.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferrymail/ferrymail/framework/address"
	"github.com/ferrymail/ferrymail/framework/dns"
)

type Config struct {
	// Hostname is the FQDN the listeners identify as in banners and
	// Received headers.
	Hostname string `yaml:"hostname"`

	// PrimaryDomain is the system domain: the source of the fallback
	// sender address and the default DKIM signing domain.
	PrimaryDomain string `yaml:"primary_domain"`

	// StateDir holds the queues and autogenerated keys.
	StateDir string `yaml:"state_dir"`

	SMTP       SMTP       `yaml:"smtp"`
	Mail       Mail       `yaml:"mail"`
	DKIM       DKIM       `yaml:"dkim"`
	Storage    Storage    `yaml:"storage"`
	Broker     Broker     `yaml:"broker"`
	Queue      Queue      `yaml:"queue"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Reputation Reputation `yaml:"reputation"`
	Security   Security   `yaml:"security"`
	Delivery   Delivery   `yaml:"delivery"`
	Monitor    Monitor    `yaml:"monitor"`
	Metrics    Metrics    `yaml:"metrics"`
	Log        Log        `yaml:"log"`
}

type SMTP struct {
	// MXPort accepts anonymous server-to-server mail. 25 normally, 2525
	// for unprivileged runs.
	MXPort int `yaml:"mx_port"`

	// SubmissionPort accepts authenticated client mail.
	SubmissionPort int `yaml:"submission_port"`

	// SMTPSPort is the optional implicit-TLS submission listener.
	// 0 disables it.
	SMTPSPort int `yaml:"smtps_port"`

	// MaxMessageBytes is the SIZE cap. Messages over it get 552.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	MaxRecipients int `yaml:"max_recipients"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	TLS TLS `yaml:"tls"`
}

type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// MinVersion is one of tls1.0, tls1.1, tls1.2, tls1.3.
	// Empty uses the crypto/tls default.
	MinVersion string `yaml:"min_version"`
}

// Mail describes the system fallback sender used when an unverified sender
// domain is rewritten and for engine-generated notifications.
type Mail struct {
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
}

type DKIM struct {
	// Domain defaults to PrimaryDomain.
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`

	// PrivateKeyPath points at the primary-domain signing key. If the file
	// does not exist, a key is generated and written there together with a
	// sibling .dns file holding the TXT record value.
	PrivateKeyPath string `yaml:"private_key_path"`

	KeyBits int `yaml:"key_bits"`

	// Strict adds the t=s flag to published records, opting out of
	// subdomain signing.
	Strict bool `yaml:"strict"`
}

type Storage struct {
	// Driver is one of postgres, mysql, sqlite. Inferred from the DSN
	// scheme when empty.
	Driver string `yaml:"driver"`

	// DSN is the database connection string (DATABASE_URL).
	DSN string `yaml:"dsn"`

	MaxConns int `yaml:"max_conns"`
}

type Broker struct {
	// Host of the Redis-compatible broker. Empty switches the engine to
	// the in-process fallback: rate limits and reputation state become
	// node-local and non-durable, everything else keeps working.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// NamespacePrefix is prepended to every key, separating multiple
	// engines sharing one broker.
	NamespacePrefix string `yaml:"namespace_prefix"`
}

type Queue struct {
	// Location is the queue spool directory. Defaults to StateDir/queue.
	Location string `yaml:"location"`

	// Concurrency is the worker count per queue.
	Concurrency int `yaml:"concurrency"`

	// CleanupInterval bounds how often terminal job files and stale locks
	// are swept.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	EmailAttempts     int `yaml:"email_attempts"`
	WebhookAttempts   int `yaml:"webhook_attempts"`
	AnalyticsAttempts int `yaml:"analytics_attempts"`

	RetryBase time.Duration `yaml:"retry_base"`
	RetryCap  time.Duration `yaml:"retry_cap"`

	// WebhookSecret keys the HMAC-SHA256 signature on webhook deliveries.
	WebhookSecret string `yaml:"webhook_secret"`

	// BounceWebhookURL, when set, receives a bounce event for every
	// permanently rejected recipient.
	BounceWebhookURL string `yaml:"bounce_webhook_url"`

	// DrainTimeout bounds how long shutdown waits for in-flight jobs.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// ReconcileInterval is how often outbound rows stuck in pending or
	// sent without a live job are re-enqueued. Covers spool loss and
	// crashes between the row insert and the job write.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type Limit struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

type RateLimit struct {
	// Connection counts connection attempts per client IP.
	Connection Limit `yaml:"connection"`
	// Auth counts failed authentications per (IP, username).
	Auth Limit `yaml:"auth"`
	// SendUser counts accepted outbound messages per user.
	SendUser Limit `yaml:"send_user"`
	// SendTenant counts accepted outbound messages per tenant.
	SendTenant Limit `yaml:"send_tenant"`
	// SendDestination counts delivery attempts per destination domain.
	SendDestination Limit `yaml:"send_destination"`

	// MaxConnsPerIP bounds concurrent SMTP connections per client IP.
	MaxConnsPerIP int `yaml:"max_conns_per_ip"`
}

type Reputation struct {
	SoftThreshold int           `yaml:"soft_threshold"`
	SoftBlock     time.Duration `yaml:"soft_block"`
	HardThreshold int           `yaml:"hard_threshold"`
	HardBlock     time.Duration `yaml:"hard_block"`

	// FlushInterval bounds how often dirty reputation entries are written
	// back to the store.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type Security struct {
	// TenantIsolation scopes domain and key lookups to the owning tenant.
	TenantIsolation bool `yaml:"tenant_isolation"`

	// SpamThreshold is the heuristic score at which outbound mail is
	// rejected and inbound mail is quarantined.
	SpamThreshold float64 `yaml:"spam_threshold"`

	// SenderPolicy is what happens to mail from an unverified domain:
	// rewrite (fallback sender) or reject.
	SenderPolicy string `yaml:"sender_policy"`

	// RejectDKIMFailure turns the inbound DKIM verification audit into a
	// rejection. Off by default.
	RejectDKIMFailure bool `yaml:"reject_dkim_failure"`

	// DenyCIDRs are never allowed to connect.
	DenyCIDRs []string `yaml:"deny_cidrs"`

	// RequirePTR refuses connections from addresses without reverse DNS and
	// enforces basic EHLO syntax. Off by default since plenty of legitimate
	// senders still lack PTR records.
	RequirePTR bool `yaml:"require_ptr"`
}

type Delivery struct {
	// Mode selects direct MX delivery or a fixed relay upstream.
	Mode string `yaml:"mode"`

	// LocalDomains are accepted as inbound recipients on the MX port, in
	// addition to PrimaryDomain and verified domains from the store.
	LocalDomains []string `yaml:"local_domains"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	MessageDeadline time.Duration `yaml:"message_deadline"`
	DNSTimeout      time.Duration `yaml:"dns_timeout"`

	// Connection pool bounds, per MX host.
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	MaxMessagesPerSession int           `yaml:"max_messages_per_session"`
	PoolIdleTimeout       time.Duration `yaml:"pool_idle_timeout"`

	// RequireTLS refuses to fall back to plaintext when the remote STARTTLS
	// handshake fails.
	RequireTLS bool `yaml:"require_tls"`

	Relay Relay `yaml:"relay"`
}

type Relay struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// StartTLS requires a TLS handshake with the relay before AUTH.
	StartTLS bool `yaml:"starttls"`
}

type Monitor struct {
	SampleInterval time.Duration `yaml:"sample_interval"`

	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	WaitingThreshold     int     `yaml:"waiting_threshold"`

	StuckEmailAge   time.Duration `yaml:"stuck_email_age"`
	StuckWebhookAge time.Duration `yaml:"stuck_webhook_age"`

	// AlertCooldown is the minimum spacing between repeats of the same
	// alert.
	AlertCooldown time.Duration `yaml:"alert_cooldown"`

	// AlertWebhookURL receives alert notifications as webhook jobs.
	AlertWebhookURL string `yaml:"alert_webhook_url"`

	// AdminEmail additionally receives alerts as system mail. Optional.
	AdminEmail string `yaml:"admin_email"`
}

type Metrics struct {
	// ListenAddr enables the /metrics and /debug/pprof listener.
	// Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

type Log struct {
	// Level is debug or info.
	Level string `yaml:"level"`
	// Format is plain or json.
	Format string `yaml:"format"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`
}

// Load reads the configuration file at path (skipped when path is empty),
// overlays the environment variables and fills in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.PrimaryDomain == "" && c.Mail.FromEmail != "" {
		if _, domain, err := address.Split(c.Mail.FromEmail); err == nil {
			c.PrimaryDomain = domain
		}
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/ferrymail"
	}

	if c.SMTP.MXPort == 0 {
		c.SMTP.MXPort = 25
	}
	if c.SMTP.SubmissionPort == 0 {
		c.SMTP.SubmissionPort = 587
	}
	if c.SMTP.MaxMessageBytes == 0 {
		c.SMTP.MaxMessageBytes = 32 * 1024 * 1024
	}
	if c.SMTP.MaxRecipients == 0 {
		c.SMTP.MaxRecipients = 100
	}
	if c.SMTP.ReadTimeout == 0 {
		c.SMTP.ReadTimeout = 60 * time.Second
	}
	if c.SMTP.WriteTimeout == 0 {
		c.SMTP.WriteTimeout = 60 * time.Second
	}

	if c.Mail.FromName == "" {
		c.Mail.FromName = "Mailer"
	}
	if c.Mail.FromEmail == "" && c.PrimaryDomain != "" {
		c.Mail.FromEmail = "noreply@" + c.PrimaryDomain
	}

	if c.DKIM.Domain == "" {
		c.DKIM.Domain = c.PrimaryDomain
	}
	if c.DKIM.Selector == "" {
		c.DKIM.Selector = "default"
	}
	if c.DKIM.KeyBits == 0 {
		c.DKIM.KeyBits = 2048
	}
	if c.DKIM.PrivateKeyPath == "" {
		c.DKIM.PrivateKeyPath = c.StateDir + "/dkim/" + c.DKIM.Domain + "_" + c.DKIM.Selector + ".key"
	}

	if c.Storage.MaxConns == 0 {
		c.Storage.MaxConns = 10
	}

	if c.Broker.Port == 0 {
		c.Broker.Port = 6379
	}
	if c.Broker.NamespacePrefix == "" {
		c.Broker.NamespacePrefix = "ferrymail"
	}

	if c.Queue.Location == "" {
		c.Queue.Location = c.StateDir + "/queue"
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 5
	}
	if c.Queue.CleanupInterval == 0 {
		c.Queue.CleanupInterval = time.Hour
	}
	if c.Queue.EmailAttempts == 0 {
		c.Queue.EmailAttempts = 3
	}
	if c.Queue.WebhookAttempts == 0 {
		c.Queue.WebhookAttempts = 5
	}
	if c.Queue.AnalyticsAttempts == 0 {
		c.Queue.AnalyticsAttempts = 1
	}
	if c.Queue.RetryBase == 0 {
		c.Queue.RetryBase = 30 * time.Second
	}
	if c.Queue.RetryCap == 0 {
		c.Queue.RetryCap = time.Hour
	}
	if c.Queue.DrainTimeout == 0 {
		c.Queue.DrainTimeout = 30 * time.Second
	}
	if c.Queue.ReconcileInterval == 0 {
		c.Queue.ReconcileInterval = 15 * time.Minute
	}

	defLimit := func(l *Limit, window time.Duration, max int) {
		if l.Window == 0 {
			l.Window = window
		}
		if l.Max == 0 {
			l.Max = max
		}
	}
	defLimit(&c.RateLimit.Connection, time.Minute, 30)
	defLimit(&c.RateLimit.Auth, 15*time.Minute, 10)
	defLimit(&c.RateLimit.SendUser, time.Hour, 1000)
	defLimit(&c.RateLimit.SendTenant, time.Hour, 10000)
	defLimit(&c.RateLimit.SendDestination, time.Minute, 100)
	if c.RateLimit.MaxConnsPerIP == 0 {
		c.RateLimit.MaxConnsPerIP = 10
	}

	if c.Reputation.SoftThreshold == 0 {
		c.Reputation.SoftThreshold = 3
	}
	if c.Reputation.SoftBlock == 0 {
		c.Reputation.SoftBlock = 5 * time.Minute
	}
	if c.Reputation.HardThreshold == 0 {
		c.Reputation.HardThreshold = 10
	}
	if c.Reputation.HardBlock == 0 {
		c.Reputation.HardBlock = time.Hour
	}
	if c.Reputation.FlushInterval == 0 {
		c.Reputation.FlushInterval = time.Minute
	}

	if c.Security.SpamThreshold == 0 {
		c.Security.SpamThreshold = 5.0
	}
	if c.Security.SenderPolicy == "" {
		c.Security.SenderPolicy = "rewrite"
	}

	if c.Delivery.Mode == "" {
		c.Delivery.Mode = "mx"
	}
	if c.Delivery.ConnectTimeout == 0 {
		c.Delivery.ConnectTimeout = 60 * time.Second
	}
	if c.Delivery.CommandTimeout == 0 {
		c.Delivery.CommandTimeout = 30 * time.Second
	}
	if c.Delivery.MessageDeadline == 0 {
		c.Delivery.MessageDeadline = 120 * time.Second
	}
	if c.Delivery.DNSTimeout == 0 {
		c.Delivery.DNSTimeout = 10 * time.Second
	}
	if c.Delivery.MaxConnsPerHost == 0 {
		c.Delivery.MaxConnsPerHost = 5
	}
	if c.Delivery.MaxMessagesPerSession == 0 {
		c.Delivery.MaxMessagesPerSession = 100
	}
	if c.Delivery.PoolIdleTimeout == 0 {
		c.Delivery.PoolIdleTimeout = 60 * time.Second
	}
	if c.Delivery.Relay.Port == 0 {
		c.Delivery.Relay.Port = 587
	}

	if c.Monitor.SampleInterval == 0 {
		c.Monitor.SampleInterval = 30 * time.Second
	}
	if c.Monitor.FailureRateThreshold == 0 {
		c.Monitor.FailureRateThreshold = 0.2
	}
	if c.Monitor.WaitingThreshold == 0 {
		c.Monitor.WaitingThreshold = 1000
	}
	if c.Monitor.StuckEmailAge == 0 {
		c.Monitor.StuckEmailAge = 5 * time.Minute
	}
	if c.Monitor.StuckWebhookAge == 0 {
		c.Monitor.StuckWebhookAge = 30 * time.Second
	}
	if c.Monitor.AlertCooldown == 0 {
		c.Monitor.AlertCooldown = 5 * time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "plain"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
}

func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("config: hostname is required")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("config: storage.dsn (DATABASE_URL) is required")
	}
	if c.Mail.FromEmail != "" && !address.Valid(c.Mail.FromEmail) {
		return fmt.Errorf("config: mail.from_email is not a valid address: %s", c.Mail.FromEmail)
	}

	switch c.Delivery.Mode {
	case "mx", "relay":
	default:
		return fmt.Errorf("config: delivery.mode must be mx or relay, got %s", c.Delivery.Mode)
	}
	if c.Delivery.Mode == "relay" && c.Delivery.Relay.Host == "" {
		return fmt.Errorf("config: delivery.relay.host is required in relay mode")
	}

	switch c.Security.SenderPolicy {
	case "rewrite", "reject":
	default:
		return fmt.Errorf("config: security.sender_policy must be rewrite or reject, got %s", c.Security.SenderPolicy)
	}
	for _, cidr := range c.Security.DenyCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("config: security.deny_cidrs: %w", err)
		}
	}

	switch c.Log.Level {
	case "debug", "info":
	default:
		return fmt.Errorf("config: log.level must be debug or info, got %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "plain", "json":
	default:
		return fmt.Errorf("config: log.format must be plain or json, got %s", c.Log.Format)
	}

	if (c.SMTP.TLS.CertFile == "") != (c.SMTP.TLS.KeyFile == "") {
		return fmt.Errorf("config: smtp.tls requires both cert_file and key_file")
	}
	if c.SMTP.SMTPSPort != 0 && c.SMTP.TLS.CertFile == "" {
		return fmt.Errorf("config: smtp.smtps_port requires smtp.tls certificates")
	}

	for _, dom := range c.Delivery.LocalDomains {
		if !address.ValidDomain(dom) {
			return fmt.Errorf("config: delivery.local_domains: invalid domain %s", dom)
		}
	}

	return nil
}

// LocalDomainSet returns the set of inbound-accepted domains in lookup form.
func (c *Config) LocalDomainSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Delivery.LocalDomains)+1)
	add := func(d string) {
		if d == "" {
			return
		}
		if norm, err := dns.ForLookup(d); err == nil {
			set[norm] = struct{}{}
		}
	}
	add(c.PrimaryDomain)
	for _, d := range c.Delivery.LocalDomains {
		add(d)
	}
	return set
}
