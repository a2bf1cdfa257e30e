package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models finguard.yml.
type Config struct {
	Audit struct {
		Genesis        string `yaml:"genesis"`
		VerifySchedule string `yaml:"verify_schedule"`
	} `yaml:"audit"`
	SLA struct {
		PollSchedule string `yaml:"poll_schedule"`
		Buffer       int    `yaml:"buffer"`
	} `yaml:"sla"`
	Locks        LockConfig         `yaml:"locks"`
	Server       ServerConfig       `yaml:"server"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
	Workflow     struct {
		ForbidSelfApproval bool     `yaml:"forbid_self_approval"`
		HistoryWindow      Duration `yaml:"history_window"`
	} `yaml:"workflow"`
	Rules     map[string][]RuleConfig   `yaml:"rules"`
	Workflows map[string]WorkflowConfig `yaml:"workflows"`
}

type LockConfig struct {
	Backend string `yaml:"backend"`
	Shards  int    `yaml:"shards"`
	Redis   struct {
		Addr     string   `yaml:"addr"`
		Password string   `yaml:"password"`
		DB       int      `yaml:"db"`
		TTL      Duration `yaml:"ttl"`
	} `yaml:"redis"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	BasePath        string `yaml:"base_path"`
	AllowDevHeaders bool   `yaml:"allow_dev_headers"`
	RateLimit       struct {
		RPS   int `yaml:"rps"`
		Burst int `yaml:"burst"`
	} `yaml:"rate_limit"`
}

type CollaboratorConfig struct {
	Kind          string   `yaml:"kind"`
	URL           string   `yaml:"url"`
	Secret        string   `yaml:"secret"`
	Timeout       Duration `yaml:"timeout"`
	RetrySchedule string   `yaml:"retry_schedule"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

// RuleConfig is one entry of the ordered rule list of an action type. Which
// fields are read depends on Kind.
type RuleConfig struct {
	ID        string   `yaml:"id"`
	Kind      string   `yaml:"kind"`
	Severity  string   `yaml:"severity"`
	Message   string   `yaml:"message,omitempty"`
	Field     string   `yaml:"field,omitempty"`
	Fields    []string `yaml:"fields,omitempty"`
	Limit     *float64 `yaml:"limit,omitempty"`
	Threshold *float64 `yaml:"threshold,omitempty"`
	OldField  string   `yaml:"old_field,omitempty"`
	NewField  string   `yaml:"new_field,omitempty"`
	Allowed   []string `yaml:"allowed,omitempty"`
	Roles     []string `yaml:"roles,omitempty"`
	Window    Duration `yaml:"window,omitempty"`
	Expr      string   `yaml:"expr,omitempty"`
	Schema    string   `yaml:"schema,omitempty"`
}

type WorkflowConfig struct {
	Stages []StageConfig `yaml:"stages,omitempty"`
	Matrix *MatrixConfig `yaml:"matrix,omitempty"`
}

type StageConfig struct {
	Name         string       `yaml:"name"`
	RequiredRole string       `yaml:"required_role"`
	SLA          Duration     `yaml:"sla"`
	Escalation   []TierConfig `yaml:"escalation,omitempty"`
	OnExhaust    string       `yaml:"on_exhaust,omitempty"`
}

type TierConfig struct {
	Roles []string `yaml:"roles"`
	After Duration `yaml:"after,omitempty"`
}

// MatrixConfig resolves the approver chain from the payload amount, variance
// and cost center risk.
type MatrixConfig struct {
	SLA               Duration     `yaml:"sla"`
	Escalation        []TierConfig `yaml:"escalation,omitempty"`
	OnExhaust         string       `yaml:"on_exhaust,omitempty"`
	AmountField       string       `yaml:"amount_field"`
	VarianceField     string       `yaml:"variance_field"`
	RiskField         string       `yaml:"risk_field"`
	CFOAmount         float64      `yaml:"cfo_amount"`
	DualAmount        float64      `yaml:"dual_amount"`
	HighRiskCFOAmount float64      `yaml:"high_risk_cfo_amount"`
	VarianceCFO       float64      `yaml:"variance_cfo"`
	VarianceHead      float64      `yaml:"variance_head"`
}

// Duration decodes Go duration strings such as "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

var ruleKinds = map[string]bool{
	"max_amount":        true,
	"required_fields":   true,
	"version_lock":      true,
	"period_lock":       true,
	"cost_center_scope": true,
	"version_status":    true,
	"change_ratio":      true,
	"actor_role":        true,
	"duplicate":         true,
	"cel":               true,
	"schema":            true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.SLA.PollSchedule == "" {
		return fmt.Errorf("config.sla.poll_schedule is required")
	}
	switch c.Locks.Backend {
	case "local":
		if c.Locks.Shards <= 0 {
			return fmt.Errorf("config.locks.shards must be positive")
		}
	case "redis":
		if c.Locks.Redis.Addr == "" {
			return fmt.Errorf("config.locks.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.locks.backend must be 'local' or 'redis'")
	}
	switch c.Collaborator.Kind {
	case "log":
	case "webhook":
		if c.Collaborator.URL == "" {
			return fmt.Errorf("config.collaborator.url is required for the webhook collaborator")
		}
	default:
		return fmt.Errorf("config.collaborator.kind must be 'log' or 'webhook'")
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("config.rules is required")
	}
	for action, rules := range c.Rules {
		if action == "" {
			return fmt.Errorf("config.rules contains empty action type")
		}
		seen := map[string]bool{}
		for i, r := range rules {
			if err := r.validate(); err != nil {
				return fmt.Errorf("rule %d of %s: %w", i, action, err)
			}
			if seen[r.ID] {
				return fmt.Errorf("rule id %s duplicated for %s", r.ID, action)
			}
			seen[r.ID] = true
		}
		if _, ok := c.Workflows[action]; !ok {
			return fmt.Errorf("workflow for action type %s is required", action)
		}
	}
	for action, wf := range c.Workflows {
		if err := wf.validate(); err != nil {
			return fmt.Errorf("workflow %s: %w", action, err)
		}
	}
	return nil
}

func (r RuleConfig) validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !ruleKinds[r.Kind] {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	switch r.Severity {
	case "INFO", "WARNING", "BLOCKING":
	default:
		return fmt.Errorf("severity must be INFO, WARNING or BLOCKING")
	}
	switch r.Kind {
	case "max_amount":
		if r.Field == "" || r.Limit == nil {
			return fmt.Errorf("max_amount requires field and limit")
		}
	case "required_fields":
		if len(r.Fields) == 0 {
			return fmt.Errorf("required_fields requires fields")
		}
	case "version_status":
		if len(r.Allowed) == 0 {
			return fmt.Errorf("version_status requires allowed")
		}
	case "change_ratio":
		if r.Threshold == nil {
			return fmt.Errorf("change_ratio requires threshold")
		}
	case "actor_role":
		if len(r.Roles) == 0 {
			return fmt.Errorf("actor_role requires roles")
		}
	case "duplicate":
		if len(r.Fields) == 0 || r.Window <= 0 {
			return fmt.Errorf("duplicate requires fields and window")
		}
	case "cel":
		if r.Expr == "" {
			return fmt.Errorf("cel requires expr")
		}
	case "schema":
		if r.Schema == "" {
			return fmt.Errorf("schema requires schema")
		}
	}
	return nil
}

func (w WorkflowConfig) validate() error {
	if len(w.Stages) == 0 && w.Matrix == nil {
		return fmt.Errorf("stages or matrix is required")
	}
	if len(w.Stages) > 0 && w.Matrix != nil {
		return fmt.Errorf("stages and matrix are exclusive")
	}
	names := map[string]bool{}
	for _, s := range w.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("stage %s duplicated", s.Name)
		}
		names[s.Name] = true
		if s.RequiredRole == "" {
			return fmt.Errorf("stage %s: required_role is required", s.Name)
		}
		if s.SLA <= 0 {
			return fmt.Errorf("stage %s: sla must be positive", s.Name)
		}
		if err := validateEscalation(s.Escalation, s.OnExhaust); err != nil {
			return fmt.Errorf("stage %s: %w", s.Name, err)
		}
	}
	if m := w.Matrix; m != nil {
		if m.SLA <= 0 {
			return fmt.Errorf("matrix.sla must be positive")
		}
		if m.AmountField == "" {
			return fmt.Errorf("matrix.amount_field is required")
		}
		if err := validateEscalation(m.Escalation, m.OnExhaust); err != nil {
			return fmt.Errorf("matrix: %w", err)
		}
	}
	return nil
}

func validateEscalation(tiers []TierConfig, onExhaust string) error {
	for i, t := range tiers {
		if t.After < 0 {
			return fmt.Errorf("escalation tier %d: after must not be negative", i)
		}
		for _, r := range t.Roles {
			if r == "" {
				return fmt.Errorf("escalation tier %d has empty role", i)
			}
		}
	}
	switch onExhaust {
	case "", "hold", "reject":
		return nil
	}
	return fmt.Errorf("on_exhaust must be 'hold' or 'reject'")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "finguard.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with fg config default > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the default config when the workspace has no
// config file.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Rules = nil
	cfg.Workflows = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `audit:
  genesis: ""
  verify_schedule: "@every 5m"

sla:
  poll_schedule: "@every 1s"
  buffer: 64

locks:
  backend: local
  shards: 64
  redis:
    addr: localhost:6379
    db: 0
    ttl: 30s

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_dev_headers: false
  rate_limit:
    rps: 20
    burst: 40

collaborator:
  kind: log
  timeout: 5s
  retry_schedule: "@every 10s"
  max_attempts: 5

workflow:
  forbid_self_approval: true
  history_window: 720h

rules:
  actual_posting:
    - id: ACT-001
      kind: required_fields
      severity: BLOCKING
      fields: [account, amount, period]
    - id: ACT-002
      kind: max_amount
      severity: BLOCKING
      field: amount
      limit: 5000000
      message: "posting exceeds the single-posting limit"
    - id: GOV-002
      kind: period_lock
      severity: BLOCKING
    - id: ACT-003
      kind: duplicate
      severity: WARNING
      fields: [account, amount, period]
      window: 72h

  plan_edit:
    - id: GOV-001
      kind: version_lock
      severity: BLOCKING
    - id: GOV-002
      kind: period_lock
      severity: BLOCKING
    - id: GOV-003
      kind: cost_center_scope
      severity: BLOCKING
    - id: GOV-004
      kind: version_status
      severity: WARNING
      allowed: [draft]
    - id: GOV-005
      kind: change_ratio
      severity: WARNING
      old_field: old_value
      new_field: new_value
      threshold: 0.15

  forecast_override:
    - id: GOV-100
      kind: version_status
      severity: WARNING
      allowed: [draft]
    - id: GOV-101
      kind: actor_role
      severity: BLOCKING
      roles: [analyst, manager]
    - id: FCT-001
      kind: cel
      severity: BLOCKING
      expr: "has(payload.new_value) && double(payload.new_value) >= 0.0"
      message: "forecast value must be present and non-negative"

  reconciliation:
    - id: REC-001
      kind: schema
      severity: BLOCKING
      schema: |
        {
          "type": "object",
          "required": ["account", "ledger_balance", "statement_balance"],
          "properties": {
            "account": {"type": "string", "minLength": 1},
            "ledger_balance": {"type": "number"},
            "statement_balance": {"type": "number"}
          }
        }
    - id: REC-002
      kind: cel
      severity: WARNING
      expr: "double(payload.ledger_balance) == double(payload.statement_balance) || has(payload.explanation)"
      message: "unexplained reconciliation difference"

workflows:
  actual_posting:
    stages:
      - name: controller-review
        required_role: manager
        sla: 24h
        escalation:
          - roles: [fpna_head]
            after: 12h
          - roles: [cfo]
            after: 12h
        on_exhaust: reject
      - name: finance-signoff
        required_role: fpna_head
        sla: 48h
        escalation:
          - roles: [cfo]
        on_exhaust: hold

  plan_edit:
    matrix:
      sla: 48h
      escalation:
        - roles: [cfo]
          after: 24h
      on_exhaust: hold
      amount_field: amount
      variance_field: variance_pct
      risk_field: cost_center_risk
      cfo_amount: 10000000
      dual_amount: 1000000
      high_risk_cfo_amount: 5000000
      variance_cfo: 0.30
      variance_head: 0.20

  forecast_override:
    matrix:
      sla: 24h
      on_exhaust: hold
      amount_field: amount
      variance_field: variance_pct
      risk_field: cost_center_risk
      cfo_amount: 10000000
      dual_amount: 1000000
      high_risk_cfo_amount: 5000000
      variance_cfo: 0.30
      variance_head: 0.20

  reconciliation:
    stages:
      - name: reconciliation-review
        required_role: controller
        sla: 72h
        escalation:
          - roles: [fpna_head]
`
