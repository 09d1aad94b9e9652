package filter

import "strings"

// ResourceType selects the attribute metadata table.
type ResourceType int

const (
	UserResource ResourceType = iota
	GroupResource
)

// AttrType drives comparison and SQL cast selection.
type AttrType int

const (
	TypeString AttrType = iota
	TypeNumber
	TypeBool
	TypeDateTime
)

// AttrMeta describes how one attribute is stored and compared. Attributes
// backed by a typed column name it; everything else lives in the JSON
// document under JSONPath. MultiValued marks paths that traverse an array.
type AttrMeta struct {
	Column      string
	JSONPath    []string
	Type        AttrType
	CaseExact   bool
	MultiValued bool
	// ArrayDepth is the index into JSONPath at which the array sits for
	// multi-valued attributes (the segments after it address each element).
	ArrayDepth int
}

// IsColumn reports whether the attribute is backed by a typed column.
func (m AttrMeta) IsColumn() bool { return m.Column != "" }

const enterpriseURN = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:user"

var userAttrs = map[string]AttrMeta{
	"id":               {Column: "id", CaseExact: true},
	"externalid":       {Column: "external_id", CaseExact: true},
	"username":         {Column: "user_name"},
	"active":           {Column: "active", Type: TypeBool},
	"nickname":         {Column: "nick_name"},
	"title":            {Column: "title"},
	"usertype":         {Column: "user_type"},
	"meta.created":     {Column: "created_at", Type: TypeDateTime},
	"meta.lastmodified": {Column: "updated_at", Type: TypeDateTime},

	"displayname":       {JSONPath: []string{"displayName"}},
	"preferredlanguage": {JSONPath: []string{"preferredLanguage"}},
	"locale":            {JSONPath: []string{"locale"}},
	"timezone":          {JSONPath: []string{"timezone"}},
	"profileurl":        {JSONPath: []string{"profileUrl"}, CaseExact: true},

	"name.formatted":       {JSONPath: []string{"name", "formatted"}},
	"name.familyname":      {JSONPath: []string{"name", "familyName"}},
	"name.givenname":       {JSONPath: []string{"name", "givenName"}},
	"name.middlename":      {JSONPath: []string{"name", "middleName"}},
	"name.honorificprefix": {JSONPath: []string{"name", "honorificPrefix"}},
	"name.honorificsuffix": {JSONPath: []string{"name", "honorificSuffix"}},

	"emails":             {JSONPath: []string{"emails"}, MultiValued: true, ArrayDepth: 1},
	"emails.value":       {JSONPath: []string{"emails", "value"}, MultiValued: true, ArrayDepth: 1},
	"emails.type":        {JSONPath: []string{"emails", "type"}, MultiValued: true, ArrayDepth: 1},
	"emails.primary":     {JSONPath: []string{"emails", "primary"}, Type: TypeBool, MultiValued: true, ArrayDepth: 1},
	"phonenumbers":       {JSONPath: []string{"phoneNumbers"}, MultiValued: true, ArrayDepth: 1},
	"phonenumbers.value": {JSONPath: []string{"phoneNumbers", "value"}, MultiValued: true, ArrayDepth: 1},
	"phonenumbers.type":  {JSONPath: []string{"phoneNumbers", "type"}, MultiValued: true, ArrayDepth: 1},
	"ims":                {JSONPath: []string{"ims"}, MultiValued: true, ArrayDepth: 1},
	"ims.value":          {JSONPath: []string{"ims", "value"}, MultiValued: true, ArrayDepth: 1},
	"photos":             {JSONPath: []string{"photos"}, MultiValued: true, ArrayDepth: 1},
	"photos.value":       {JSONPath: []string{"photos", "value"}, CaseExact: true, MultiValued: true, ArrayDepth: 1},
	"addresses":          {JSONPath: []string{"addresses"}, MultiValued: true, ArrayDepth: 1},
	"addresses.type":     {JSONPath: []string{"addresses", "type"}, MultiValued: true, ArrayDepth: 1},
	"addresses.locality": {JSONPath: []string{"addresses", "locality"}, MultiValued: true, ArrayDepth: 1},
	"addresses.region":   {JSONPath: []string{"addresses", "region"}, MultiValued: true, ArrayDepth: 1},
	"addresses.country":  {JSONPath: []string{"addresses", "country"}, MultiValued: true, ArrayDepth: 1},
	"entitlements":       {JSONPath: []string{"entitlements"}, MultiValued: true, ArrayDepth: 1},
	"entitlements.value": {JSONPath: []string{"entitlements", "value"}, MultiValued: true, ArrayDepth: 1},
	"roles":              {JSONPath: []string{"roles"}, MultiValued: true, ArrayDepth: 1},
	"roles.value":        {JSONPath: []string{"roles", "value"}, MultiValued: true, ArrayDepth: 1},
	"x509certificates":   {JSONPath: []string{"x509Certificates"}, CaseExact: true, MultiValued: true, ArrayDepth: 1},
	"x509certificates.value": {JSONPath: []string{"x509Certificates", "value"}, CaseExact: true, MultiValued: true, ArrayDepth: 1},

	"groups":       {JSONPath: []string{"groups"}, MultiValued: true, ArrayDepth: 1},
	"groups.value": {JSONPath: []string{"groups", "value"}, CaseExact: true, MultiValued: true, ArrayDepth: 1},

	// Enterprise extension attributes promoted to columns for filtering.
	"department":       {Column: "department"},
	"costcenter":       {Column: "cost_center"},
	"hiredate":         {Column: "hire_date", Type: TypeDateTime},
	"performancescore": {Column: "performance_score", Type: TypeNumber},
	"managerlevel":     {Column: "manager_level"},
	"employeenumber":   {JSONPath: []string{enterpriseJSONKey, "employeeNumber"}},
	"organization":     {JSONPath: []string{enterpriseJSONKey, "organization"}},
	"division":         {JSONPath: []string{enterpriseJSONKey, "division"}},
	"manager.value":    {JSONPath: []string{enterpriseJSONKey, "manager", "value"}, CaseExact: true},
}

// enterpriseJSONKey is the key the enterprise extension object is stored
// under inside the document.
const enterpriseJSONKey = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"

var groupAttrs = map[string]AttrMeta{
	"id":                {Column: "id", CaseExact: true},
	"externalid":        {Column: "external_id", CaseExact: true},
	"displayname":       {Column: "display_name"},
	"meta.created":      {Column: "created_at", Type: TypeDateTime},
	"meta.lastmodified": {Column: "updated_at", Type: TypeDateTime},

	"members":         {JSONPath: []string{"members"}, MultiValued: true, ArrayDepth: 1},
	"members.value":   {JSONPath: []string{"members", "value"}, CaseExact: true, MultiValued: true, ArrayDepth: 1},
	"members.type":    {JSONPath: []string{"members", "type"}, MultiValued: true, ArrayDepth: 1},
	"members.display": {JSONPath: []string{"members", "display"}, MultiValued: true, ArrayDepth: 1},
}

// LookupAttr resolves attribute metadata for a parsed path. URN qualifiers
// for the core schemas are ignored; the enterprise URN addresses extension
// attributes by their unqualified names.
func LookupAttr(rt ResourceType, attr AttrPath) (AttrMeta, bool) {
	key := attr.Key()
	if attr.URN != "" {
		urn := strings.ToLower(attr.URN)
		if urn != enterpriseURN &&
			urn != "urn:ietf:params:scim:schemas:core:2.0:user" &&
			urn != "urn:ietf:params:scim:schemas:core:2.0:group" {
			return AttrMeta{}, false
		}
	}
	switch rt {
	case UserResource:
		m, ok := userAttrs[key]
		return m, ok
	case GroupResource:
		m, ok := groupAttrs[key]
		return m, ok
	}
	return AttrMeta{}, false
}
