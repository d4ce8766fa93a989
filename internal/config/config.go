package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"certline/internal/domain"
)

// Config models certline.yml.
type Config struct {
	Barangay struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"barangay" json:"barangay"`
	Certificates struct {
		Catalog map[string]struct {
			Description string `yaml:"description" json:"description"`
		} `yaml:"catalog" json:"catalog"`
	} `yaml:"certificates" json:"certificates"`
	Workflows map[string]WorkflowDef `yaml:"workflows" json:"workflows"`
	RBAC      struct {
		Roles       map[string]RBACRole `yaml:"roles" json:"roles"`
		Assignments map[string][]string `yaml:"assignments" json:"assignments"`
	} `yaml:"rbac" json:"rbac"`
}

// WorkflowDef is the administrator-authored approval path for one
// certificate type.
type WorkflowDef struct {
	Steps []StepDef `yaml:"steps" json:"steps"`
}

type StepDef struct {
	ID               int      `yaml:"id" json:"id"`
	Name             string   `yaml:"name" json:"name"`
	Status           string   `yaml:"status" json:"status"`
	AssignedUsers    []string `yaml:"assigned_users" json:"assigned_users"`
	RequiresApproval bool     `yaml:"requires_approval" json:"requires_approval"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Workflow converts a definition to the domain form used by the engine.
func (d WorkflowDef) Workflow(certificateType string) domain.Workflow {
	wf := domain.Workflow{CertificateType: certificateType}
	for _, s := range d.Steps {
		wf.Steps = append(wf.Steps, domain.Step{
			ID:               s.ID,
			Name:             s.Name,
			Status:           s.Status,
			AssignedUsers:    append([]string(nil), s.AssignedUsers...),
			RequiresApproval: s.RequiresApproval,
		})
	}
	return wf
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Barangay.ID == "" {
		return fmt.Errorf("config.barangay.id is required")
	}
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	for certType, def := range c.Workflows {
		if certType == "" {
			return fmt.Errorf("config.workflows contains empty certificate type")
		}
		if len(c.Certificates.Catalog) > 0 {
			if _, ok := c.Certificates.Catalog[certType]; !ok {
				return fmt.Errorf("workflow %s has no catalog entry", certType)
			}
		}
		if err := ValidateWorkflow(def.Workflow(certType)); err != nil {
			return err
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for userID, roles := range c.RBAC.Assignments {
		if userID == "" {
			return fmt.Errorf("config.rbac.assignments has empty user id")
		}
		for _, roleID := range roles {
			if roleID == "" {
				return fmt.Errorf("user %s has empty role id", userID)
			}
			if len(c.RBAC.Roles) > 0 {
				if _, ok := c.RBAC.Roles[roleID]; !ok {
					return fmt.Errorf("user %s references unknown role %s", userID, roleID)
				}
			}
		}
	}
	return nil
}

// ValidateWorkflow checks the invariants the advancement engine relies on:
// at least one step, unique step ids, unique status labels, non-empty
// approver sets.
func ValidateWorkflow(wf domain.Workflow) error {
	if wf.CertificateType == "" {
		return fmt.Errorf("workflow certificate_type is required")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", wf.CertificateType)
	}
	seenIDs := map[int]bool{}
	seenStatus := map[string]bool{}
	for _, s := range wf.Steps {
		if s.ID <= 0 {
			return fmt.Errorf("workflow %s: step id must be positive", wf.CertificateType)
		}
		if seenIDs[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %d", wf.CertificateType, s.ID)
		}
		seenIDs[s.ID] = true
		if s.Status == "" {
			return fmt.Errorf("workflow %s: step %d missing status label", wf.CertificateType, s.ID)
		}
		if domain.IsTerminal(s.Status) {
			return fmt.Errorf("workflow %s: step %d uses reserved status %s", wf.CertificateType, s.ID, s.Status)
		}
		if seenStatus[s.Status] {
			return fmt.Errorf("workflow %s: duplicate status label %s", wf.CertificateType, s.Status)
		}
		seenStatus[s.Status] = true
		if len(s.AssignedUsers) == 0 {
			return fmt.Errorf("workflow %s: step %d has no assigned users", wf.CertificateType, s.ID)
		}
		for _, u := range s.AssignedUsers {
			if u == "" {
				return fmt.Errorf("workflow %s: step %d has empty user id", wf.CertificateType, s.ID)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "certline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl workflow import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a barangay.
func Default(barangayID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(barangayID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(barangayID string) string {
	return fmt.Sprintf(defaultTemplate, barangayID)
}

const defaultTemplate = `barangay:
  id: %s
  name: Barangay Hall

certificates:
  catalog:
    cohabitation:
      description: "Certificate of cohabitation (live-in partners)"
    natural_death:
      description: "Certificate of natural death"
    same_person:
      description: "Certificate that two recorded names refer to the same person"
    clearance:
      description: "Barangay clearance"

workflows:
  cohabitation:
    steps:
      - id: 1
        name: Staff review
        status: staff_review
        assigned_users: [staff-01]
        requires_approval: true
      - id: 2
        name: Captain approval
        status: captain_approval
        assigned_users: [captain-01]
        requires_approval: true

  natural_death:
    steps:
      - id: 1
        name: Staff review
        status: staff_review
        assigned_users: [staff-01]
        requires_approval: true
      - id: 2
        name: Records verification
        status: records_verification
        assigned_users: [records-01]
        requires_approval: true
      - id: 3
        name: Captain approval
        status: captain_approval
        assigned_users: [captain-01]
        requires_approval: true

  same_person:
    steps:
      - id: 1
        name: Staff review
        status: staff_review
        assigned_users: [staff-01]
        requires_approval: true
      - id: 2
        name: Captain approval
        status: captain_approval
        assigned_users: [captain-01]
        requires_approval: true

  clearance:
    steps:
      - id: 1
        name: Staff release
        status: staff_release
        assigned_users: [staff-01]
        requires_approval: false

rbac:
  roles:
    admin:
      description: "Barangay administrator"
      permissions:
        - user.manage
        - workflow.import
        - request.create
        - request.read
        - reconcile.run
    staff:
      description: "Front desk staff"
      permissions:
        - request.create
        - request.read
    captain:
      description: "Barangay captain"
      permissions:
        - request.read

  assignments:
    admin-01: [admin]
    staff-01: [staff]
    captain-01: [captain]
`
