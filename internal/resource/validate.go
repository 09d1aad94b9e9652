package resource

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ValidationError is a semantic validation failure. Type is a SCIM error
// token (invalidSyntax or invalidValue).
type ValidationError struct {
	Type   string
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

func invalidValue(format string, args ...any) error {
	return &ValidationError{Type: "invalidValue", Detail: fmt.Sprintf(format, args...)}
}

func invalidSyntax(format string, args ...any) error {
	return &ValidationError{Type: "invalidSyntax", Detail: fmt.Sprintf(format, args...)}
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// multiValuedAttrs are the list attributes subject to the single-primary
// rule.
var multiValuedAttrs = []string{
	"emails", "phoneNumbers", "ims", "photos", "addresses",
	"entitlements", "roles", "x509Certificates",
}

// knownLanguageCodes covers the ISO 639-1 codes accepted in locale values.
var knownLanguageCodes = map[string]bool{
	"aa": true, "ab": true, "af": true, "am": true, "ar": true, "az": true,
	"be": true, "bg": true, "bn": true, "bs": true, "ca": true, "cs": true,
	"cy": true, "da": true, "de": true, "el": true, "en": true, "eo": true,
	"es": true, "et": true, "eu": true, "fa": true, "fi": true, "fo": true,
	"fr": true, "ga": true, "gl": true, "gu": true, "he": true, "hi": true,
	"hr": true, "hu": true, "hy": true, "id": true, "is": true, "it": true,
	"ja": true, "ka": true, "kk": true, "km": true, "kn": true, "ko": true,
	"ku": true, "ky": true, "lt": true, "lv": true, "mk": true, "ml": true,
	"mn": true, "mr": true, "ms": true, "mt": true, "my": true, "nb": true,
	"ne": true, "nl": true, "nn": true, "no": true, "pa": true, "pl": true,
	"ps": true, "pt": true, "ro": true, "ru": true, "sk": true, "sl": true,
	"sq": true, "sr": true, "sv": true, "sw": true, "ta": true, "te": true,
	"th": true, "tl": true, "tr": true, "uk": true, "ur": true, "uz": true,
	"vi": true, "zh": true, "zu": true,
}

// ValidateUser checks a User document before it is persisted.
func ValidateUser(d Document) error {
	if !d.HasSchema(SchemaUser) {
		return invalidSyntax("missing required schema %s", SchemaUser)
	}
	if strings.TrimSpace(d.GetString("userName")) == "" {
		return invalidValue("userName is required and must be non-empty")
	}
	if err := validateEmails(d); err != nil {
		return err
	}
	if loc := d.GetString("locale"); loc != "" {
		if err := validateLocale(loc); err != nil {
			return err
		}
	}
	if tz := d.GetString("timezone"); tz != "" {
		if err := validateTimezone(tz); err != nil {
			return err
		}
	}
	if u := d.GetString("profileUrl"); u != "" {
		if !validReference(u) {
			return invalidValue("profileUrl %q is not a valid URL", u)
		}
	}
	if err := validatePhotos(d); err != nil {
		return err
	}
	if err := validateCertificates(d); err != nil {
		return err
	}
	return validatePrimaries(d)
}

// ValidateGroup checks a Group document before it is persisted.
func ValidateGroup(d Document) error {
	if !d.HasSchema(SchemaGroup) {
		return invalidSyntax("missing required schema %s", SchemaGroup)
	}
	if strings.TrimSpace(d.GetString("displayName")) == "" {
		return invalidValue("displayName is required and must be non-empty")
	}
	if v, ok := d.Get("members"); ok {
		arr, ok := v.([]any)
		if !ok {
			return invalidValue("members must be a list")
		}
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				return invalidValue("members entries must be objects")
			}
			if mv, _ := Document(m).Get("value"); mv == nil {
				return invalidValue("members entries require a value")
			}
			switch t := Document(m).GetString("type"); t {
			case "", "User", "Group":
			default:
				return invalidValue("member type %q must be User or Group", t)
			}
		}
	}
	return nil
}

func validateEmails(d Document) error {
	v, ok := d.Get("emails")
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return invalidValue("emails must be a list")
	}
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		val := Document(m).GetString("value")
		if val != "" && !emailPattern.MatchString(val) {
			return invalidValue("email %q is not a valid address", val)
		}
	}
	return nil
}

// validateLocale accepts ll or ll-CC with a known ISO 639-1 language code,
// plus x-… private-use tags.
func validateLocale(loc string) error {
	if strings.HasPrefix(strings.ToLower(loc), "x-") && len(loc) > 2 {
		return nil
	}
	parts := strings.SplitN(loc, "-", 2)
	lang := strings.ToLower(parts[0])
	if !knownLanguageCodes[lang] {
		return invalidValue("locale %q has an unknown language code", loc)
	}
	if len(parts) == 2 {
		region := parts[1]
		if len(region) != 2 || strings.ToUpper(region) != region {
			return invalidValue("locale %q has an invalid region", loc)
		}
	}
	return nil
}

var offsetPattern = regexp.MustCompile(`^[+-]\d{2}:\d{2}$`)

// validateTimezone accepts IANA zone names plus UTC/GMT and fixed offsets.
func validateTimezone(tz string) error {
	if tz == "UTC" || tz == "GMT" || offsetPattern.MatchString(tz) {
		return nil
	}
	if !strings.Contains(tz, "/") {
		return invalidValue("timezone %q is not a valid IANA name", tz)
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return invalidValue("timezone %q is not a valid IANA name", tz)
	}
	return nil
}

func validatePhotos(d Document) error {
	v, ok := d.Get("photos")
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return invalidValue("photos must be a list")
	}
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		val := Document(m).GetString("value")
		if val != "" && !validReference(val) {
			return invalidValue("photo value %q is not a valid URL", val)
		}
	}
	return nil
}

// validReference accepts absolute http(s) URLs and /, ./, ../ relative
// references.
func validReference(s string) bool {
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validateCertificates requires base64 DER material of a plausible size.
func validateCertificates(d Document) error {
	v, ok := d.Get("x509Certificates")
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return invalidValue("x509Certificates must be a list")
	}
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		val := Document(m).GetString("value")
		if val == "" {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(val)
		if err != nil || len(der) < 100 {
			return invalidValue("x509Certificates value is not a valid certificate")
		}
	}
	return nil
}

func validatePrimaries(d Document) error {
	for _, attr := range multiValuedAttrs {
		v, ok := d.Get(attr)
		if !ok {
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		primaries := 0
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			if p, set := Document(m).GetBool("primary"); set && p {
				primaries++
			}
		}
		if primaries > 1 {
			return invalidValue("%s has %d elements with primary=true; at most one is allowed", attr, primaries)
		}
	}
	return nil
}
