package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	MaxNameLength          = 64
	MaxDescriptionLength   = 1024
	MaxCompatibilityLength = 500
	DefaultMaxDescriptorKB = 20
)

var namePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// RecommendedDirs are the optional subfolders a well structured skill carries.
var RecommendedDirs = []string{"scripts", "references", "assets"}

// ValidName reports whether name is a well formed skill name: 1 to 64
// lowercase alphanumerics separated by single hyphens.
func ValidName(name string) bool {
	if len(name) < 1 || len(name) > MaxNameLength {
		return false
	}
	return namePattern.MatchString(name)
}

// ValidationReport collects fatal errors and non-fatal warnings.
type ValidationReport struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether no fatal errors were found.
func (r *ValidationReport) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns the fatal errors joined into one error, or nil.
func (r *ValidationReport) Err() error {
	if r.Valid() {
		return nil
	}
	return errors.New(strings.Join(r.Errors, "; "))
}

// Validator checks descriptors against naming, size and structure rules.
type Validator struct {
	maxDescriptorKB int64
	recommendedDirs []string
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithMaxDescriptorKB sets the descriptor size above which a warning is raised.
func WithMaxDescriptorKB(kb int) ValidatorOption {
	return func(v *Validator) {
		if kb > 0 {
			v.maxDescriptorKB = int64(kb)
		}
	}
}

// WithRecommendedDirs overrides the recommended subfolder list.
func WithRecommendedDirs(dirs ...string) ValidatorOption {
	return func(v *Validator) {
		v.recommendedDirs = dirs
	}
}

// NewValidator creates a validator with default limits.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		maxDescriptorKB: DefaultMaxDescriptorKB,
		recommendedDirs: RecommendedDirs,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks d. When dir is non-empty the name must equal the folder
// name and the recommended structure is checked; when descriptorPath is
// non-empty its size is checked.
func (v *Validator) Validate(d *Descriptor, dir, descriptorPath string) *ValidationReport {
	report := &ValidationReport{Errors: []string{}, Warnings: []string{}}

	if d.Name == "" {
		report.Errors = append(report.Errors, "name field is required")
	} else {
		if !ValidName(d.Name) {
			report.Errors = append(report.Errors, "Invalid skill name: must be lowercase letters, numbers, and hyphens only")
		}
		if dir != "" {
			if folder := filepath.Base(dir); d.Name != folder {
				report.Errors = append(report.Errors, fmt.Sprintf("Skill name must match folder name: %s != %s", d.Name, folder))
			}
		}
	}

	switch {
	case d.Description == "":
		report.Errors = append(report.Errors, "description field is required")
	case len([]rune(d.Description)) > MaxDescriptionLength:
		report.Errors = append(report.Errors, "description exceeds 1024 character limit")
	}

	if len([]rune(d.Compatibility)) > MaxCompatibilityLength {
		report.Errors = append(report.Errors, "compatibility field exceeds 500 character limit")
	}

	if !d.HasMain() && !d.HasInstructions() {
		report.Errors = append(report.Errors, "skill must declare main or instructions")
	}

	if dir != "" {
		for _, sub := range v.recommendedDirs {
			if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
				report.Warnings = append(report.Warnings, "Recommended directory not found: "+sub)
			}
		}
	}

	if descriptorPath != "" {
		if info, err := os.Stat(descriptorPath); err == nil {
			if sizeKB := info.Size() / 1024; sizeKB > v.maxDescriptorKB {
				report.Warnings = append(report.Warnings, fmt.Sprintf(
					"%s file is large (%dKB), consider splitting content into reference files",
					filepath.Base(descriptorPath), sizeKB))
			}
		}
	}

	return report
}
