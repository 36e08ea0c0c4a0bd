package types

import (
	_ "embed"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SpecialPermissionsName marks the license whose per-description usage is
// audited at publish time.
const SpecialPermissionsName = "Special Permissions"

type License struct {
	ID                      uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	LicenseName             string    `gorm:"column:license_name;not null;uniqueIndex" json:"license_name"`
	LicenseURL              string    `gorm:"column:license_url" json:"license_url,omitempty"`
	LicenseDescription      string    `gorm:"column:license_description" json:"license_description,omitempty"`
	CopyrightHolderRequired bool      `gorm:"column:copyright_holder_required;not null;default:false" json:"copyright_holder_required"`
	IsCustom                bool      `gorm:"column:is_custom;not null;default:false" json:"is_custom"`
	CreatedAt               time.Time `gorm:"not null" json:"created_at"`
}

func (License) TableName() string { return "license" }

//go:embed licenses.yaml
var licenseCatalog []byte

type licenseCatalogEntry struct {
	Name                    string `yaml:"name"`
	URL                     string `yaml:"url"`
	Description             string `yaml:"description"`
	CopyrightHolderRequired bool   `yaml:"copyright_holder_required"`
	IsCustom                bool   `yaml:"is_custom"`
}

// SeedLicenses upserts the embedded license catalog by license_name.
// Safe to run on every boot.
func SeedLicenses(db *gorm.DB) error {
	var entries []licenseCatalogEntry
	if err := yaml.Unmarshal(licenseCatalog, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		row := License{
			ID:                      uuid.New(),
			LicenseName:             name,
			LicenseURL:              e.URL,
			LicenseDescription:      e.Description,
			CopyrightHolderRequired: e.CopyrightHolderRequired,
			IsCustom:                e.IsCustom,
		}
		err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "license_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"license_url", "license_description", "copyright_holder_required", "is_custom",
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return nil
}
