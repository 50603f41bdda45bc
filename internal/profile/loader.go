package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"certforge/internal/x509util"
)

type subjectAttributeYAML struct {
	Attr  string `yaml:"attr"`
	Value string `yaml:"value"`
}

type extensionYAML struct {
	Critical bool      `yaml:"critical"`
	Value    yaml.Node `yaml:"value"`
}

type accessYAML struct {
	OCSP    []string `yaml:"ocsp"`
	Issuers []string `yaml:"issuers"`
}

type nameConstraintsYAML struct {
	Permitted []string `yaml:"permitted"`
	Excluded  []string `yaml:"excluded"`
}

type profileYAML struct {
	Name          string                    `yaml:"name"`
	Description   string                    `yaml:"description"`
	Algorithm     string                    `yaml:"algorithm"`
	ExpiresDays   int                       `yaml:"expires_days"`
	Subject       []subjectAttributeYAML    `yaml:"subject"`
	Extensions    map[string]*extensionYAML `yaml:"extensions"`
	AddCRLURL     *bool                     `yaml:"add_crl_url"`
	AddOCSPURL    *bool                     `yaml:"add_ocsp_url"`
	AddIssuerURL  *bool                     `yaml:"add_issuer_url"`
	AddIssuerAlt  *bool                     `yaml:"add_issuer_alternative_name"`
	Autogenerated bool                      `yaml:"autogenerated"`
}

const defaultExpiresDays = 365

// LoadProfile parses a single profile definition. A nil extension entry in
// the YAML (a key with no value) becomes the explicit unset marker.
func LoadProfile(data []byte) (*Profile, error) {
	var raw profileYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("profile has no name")
	}

	p := &Profile{
		Name:          raw.Name,
		Description:   raw.Description,
		Algorithm:     raw.Algorithm,
		Expires:       time.Duration(defaultExpiresDays) * 24 * time.Hour,
		Autogenerated: raw.Autogenerated,

		AddCRLURL:                true,
		AddOCSPURL:               true,
		AddIssuerURL:             true,
		AddIssuerAlternativeName: false,
	}
	if raw.ExpiresDays > 0 {
		p.Expires = time.Duration(raw.ExpiresDays) * 24 * time.Hour
	}
	if raw.AddCRLURL != nil {
		p.AddCRLURL = *raw.AddCRLURL
	}
	if raw.AddOCSPURL != nil {
		p.AddOCSPURL = *raw.AddOCSPURL
	}
	if raw.AddIssuerURL != nil {
		p.AddIssuerURL = *raw.AddIssuerURL
	}
	if raw.AddIssuerAlt != nil {
		p.AddIssuerAlternativeName = *raw.AddIssuerAlt
	}

	for _, attr := range raw.Subject {
		oid, ok := x509util.AttributeTypeByName(attr.Attr)
		if !ok {
			return nil, fmt.Errorf("profile %q: unknown subject attribute %q", raw.Name, attr.Attr)
		}
		p.Subject = append(p.Subject, x509util.NameAttribute{Type: oid, Value: attr.Value})
	}
	if len(p.Subject) > 0 {
		sorted, err := p.Subject.Sort()
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", raw.Name, err)
		}
		p.Subject = sorted
	}

	if len(raw.Extensions) > 0 {
		p.Extensions = make(map[x509util.ExtensionKind]*x509util.Extension, len(raw.Extensions))
	}
	for key, entry := range raw.Extensions {
		kind := x509util.ExtensionKind(key)
		if !x509util.IsKnownKind(kind) {
			return nil, fmt.Errorf("profile %q: unknown extension kind %q", raw.Name, key)
		}
		if !x509util.IsConfigurable(kind) {
			return nil, fmt.Errorf("profile %q: extension %q cannot be set by a profile", raw.Name, key)
		}
		if entry == nil {
			p.Extensions[kind] = nil
			continue
		}

		ext, err := buildExtension(kind, entry)
		if err != nil {
			return nil, fmt.Errorf("profile %q: extension %q: %w", raw.Name, key, err)
		}
		p.Extensions[kind] = ext
	}

	return p, nil
}

func buildExtension(kind x509util.ExtensionKind, entry *extensionYAML) (*x509util.Extension, error) {
	var value x509util.ExtensionValue

	switch kind {
	case x509util.KindKeyUsage:
		var usages []string
		if err := entry.Value.Decode(&usages); err != nil {
			return nil, err
		}
		value = x509util.KeyUsage{Usages: usages}

	case x509util.KindExtendedKeyUsage:
		var usages []string
		if err := entry.Value.Decode(&usages); err != nil {
			return nil, err
		}
		value = x509util.ExtendedKeyUsage{Usages: usages}

	case x509util.KindSubjectAlternativeName:
		names, err := decodeGeneralNames(&entry.Value)
		if err != nil {
			return nil, err
		}
		value = x509util.SubjectAlternativeName{Names: names}

	case x509util.KindIssuerAlternativeName:
		names, err := decodeGeneralNames(&entry.Value)
		if err != nil {
			return nil, err
		}
		value = x509util.IssuerAlternativeName{Names: names}

	case x509util.KindCRLDistributionPoints:
		var urls []string
		if err := entry.Value.Decode(&urls); err != nil {
			return nil, err
		}
		value = x509util.CRLDistributionPoints{URLs: urls}

	case x509util.KindCertificatePolicies:
		var oids []string
		if err := entry.Value.Decode(&oids); err != nil {
			return nil, err
		}
		value = x509util.CertificatePolicies{PolicyIdentifiers: oids}

	case x509util.KindAuthorityInformationAccess:
		var access accessYAML
		if err := entry.Value.Decode(&access); err != nil {
			return nil, err
		}
		var descriptions []x509util.AccessDescription
		for _, raw := range access.OCSP {
			location, err := x509util.ParseGeneralName(raw)
			if err != nil {
				return nil, err
			}
			descriptions = append(descriptions, x509util.AccessDescription{
				Method: x509util.AccessMethodOCSP, Location: location,
			})
		}
		for _, raw := range access.Issuers {
			location, err := x509util.ParseGeneralName(raw)
			if err != nil {
				return nil, err
			}
			descriptions = append(descriptions, x509util.AccessDescription{
				Method: x509util.AccessMethodCAIssuers, Location: location,
			})
		}
		x509util.SortAccessDescriptions(descriptions)
		value = x509util.AuthorityInformationAccess{AccessDescriptions: descriptions}

	case x509util.KindNameConstraints:
		var constraints nameConstraintsYAML
		if err := entry.Value.Decode(&constraints); err != nil {
			return nil, err
		}
		value = x509util.NameConstraints{
			PermittedDNS: constraints.Permitted,
			ExcludedDNS:  constraints.Excluded,
		}

	case x509util.KindTLSFeature:
		var features []int
		if err := entry.Value.Decode(&features); err != nil {
			return nil, err
		}
		value = x509util.TLSFeature{Features: features}

	case x509util.KindOCSPNoCheck:
		value = x509util.OCSPNoCheck{}

	default:
		return nil, fmt.Errorf("extension kind %q has no profile representation", kind)
	}

	return &x509util.Extension{Critical: entry.Critical, Value: value}, nil
}

func decodeGeneralNames(node *yaml.Node) ([]x509util.GeneralName, error) {
	var raw []string
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	names := make([]x509util.GeneralName, 0, len(raw))
	for _, entry := range raw {
		name, err := x509util.ParseGeneralName(entry)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// LoadProfilesFromDirectory reads every .yaml/.yml file in dir.
func LoadProfilesFromDirectory(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	profiles := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read profile %s: %w", entry.Name(), err)
		}

		p, err := LoadProfile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if _, exists := profiles[p.Name]; exists {
			return nil, fmt.Errorf("duplicate profile name %q", p.Name)
		}
		profiles[p.Name] = p
	}

	return profiles, nil
}
