package scim

import (
	"github.com/dhawalhost/scimgate/internal/resource"
)

const (
	schemaServiceProviderConfig = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
	schemaResourceType          = "urn:ietf:params:scim:schemas:core:2.0:ResourceType"
	schemaSchema                = "urn:ietf:params:scim:schemas:core:2.0:Schema"
)

// ServiceProviderConfig builds the capability document for a tenant.
func ServiceProviderConfig(sc Scope, authKind string) resource.Document {
	authScheme := map[string]any{
		"type":        "oauthbearertoken",
		"name":        "OAuth Bearer Token",
		"description": "Authentication scheme using the OAuth Bearer Token standard",
		"primary":     true,
	}
	if authKind == "basic" {
		authScheme = map[string]any{
			"type":        "httpbasic",
			"name":        "HTTP Basic",
			"description": "Authentication scheme using the HTTP Basic standard",
			"primary":     true,
		}
	}
	doc := resource.Document{
		"schemas":      []any{schemaServiceProviderConfig},
		"documentationUri": "https://tools.ietf.org/html/rfc7644",
		"patch":        map[string]any{"supported": true},
		"bulk":         map[string]any{"supported": false, "maxOperations": 0, "maxPayloadSize": 0},
		"filter":       map[string]any{"supported": true, "maxResults": maxPageSize},
		"changePassword": map[string]any{"supported": true},
		"sort":         map[string]any{"supported": true},
		"etag":         map[string]any{"supported": true},
		"authenticationSchemes": []any{authScheme},
		"meta": map[string]any{
			"resourceType": "ServiceProviderConfig",
			"location":     sc.BaseURL + "/ServiceProviderConfig",
		},
	}
	if authKind == "unauthenticated" {
		doc.Set("authenticationSchemes", []any{})
	}
	return doc
}

// ResourceTypes lists the resource types this server exposes.
func ResourceTypes(sc Scope) []resource.Document {
	return []resource.Document{
		{
			"schemas":     []any{schemaResourceType},
			"id":          "User",
			"name":        "User",
			"endpoint":    "/Users",
			"description": "User Account",
			"schema":      resource.SchemaUser,
			"schemaExtensions": []any{
				map[string]any{"schema": resource.SchemaEnterpriseUser, "required": false},
			},
			"meta": map[string]any{
				"resourceType": "ResourceType",
				"location":     sc.BaseURL + "/ResourceTypes/User",
			},
		},
		{
			"schemas":     []any{schemaResourceType},
			"id":          "Group",
			"name":        "Group",
			"endpoint":    "/Groups",
			"description": "Group",
			"schema":      resource.SchemaGroup,
			"meta": map[string]any{
				"resourceType": "ResourceType",
				"location":     sc.BaseURL + "/ResourceTypes/Group",
			},
		},
	}
}

// ResourceTypeByName returns a single resource type document.
func ResourceTypeByName(sc Scope, name string) (resource.Document, bool) {
	for _, rt := range ResourceTypes(sc) {
		if rt.GetString("id") == name {
			return rt, true
		}
	}
	return nil, false
}

func attrDef(name, typ, mutability string, multiValued, required, caseExact bool) map[string]any {
	return map[string]any{
		"name":        name,
		"type":        typ,
		"multiValued": multiValued,
		"required":    required,
		"caseExact":   caseExact,
		"mutability":  mutability,
		"returned":    "default",
		"uniqueness":  "none",
	}
}

func complexAttr(name string, multiValued, required bool, subs ...map[string]any) map[string]any {
	a := attrDef(name, "complex", "readWrite", multiValued, required, false)
	anySubs := make([]any, 0, len(subs))
	for _, s := range subs {
		anySubs = append(anySubs, s)
	}
	a["subAttributes"] = anySubs
	return a
}

// Schemas returns the attribute schema documents for the supported resource
// types. The definitions cover the attributes the server actually
// understands rather than reciting the whole of RFC 7643.
func Schemas(sc Scope) []resource.Document {
	userName := attrDef("userName", "string", "readWrite", false, true, false)
	userName["uniqueness"] = "server"

	multiValued := func(name string) map[string]any {
		return complexAttr(name, true, false,
			attrDef("value", "string", "readWrite", false, false, false),
			attrDef("display", "string", "readWrite", false, false, false),
			attrDef("type", "string", "readWrite", false, false, false),
			attrDef("primary", "boolean", "readWrite", false, false, false),
		)
	}

	return []resource.Document{
		{
			"schemas":     []any{schemaSchema},
			"id":          resource.SchemaUser,
			"name":        "User",
			"description": "User Account",
			"attributes": []any{
				userName,
				complexAttr("name", false, false,
					attrDef("formatted", "string", "readWrite", false, false, false),
					attrDef("familyName", "string", "readWrite", false, false, false),
					attrDef("givenName", "string", "readWrite", false, false, false),
					attrDef("middleName", "string", "readWrite", false, false, false),
					attrDef("honorificPrefix", "string", "readWrite", false, false, false),
					attrDef("honorificSuffix", "string", "readWrite", false, false, false),
				),
				attrDef("displayName", "string", "readWrite", false, false, false),
				attrDef("nickName", "string", "readWrite", false, false, false),
				attrDef("profileUrl", "reference", "readWrite", false, false, true),
				attrDef("title", "string", "readWrite", false, false, false),
				attrDef("userType", "string", "readWrite", false, false, false),
				attrDef("preferredLanguage", "string", "readWrite", false, false, false),
				attrDef("locale", "string", "readWrite", false, false, false),
				attrDef("timezone", "string", "readWrite", false, false, false),
				attrDef("active", "boolean", "readWrite", false, false, false),
				attrDef("password", "string", "writeOnly", false, false, false),
				multiValued("emails"),
				multiValued("phoneNumbers"),
				multiValued("ims"),
				multiValued("photos"),
				complexAttr("addresses", true, false,
					attrDef("formatted", "string", "readWrite", false, false, false),
					attrDef("streetAddress", "string", "readWrite", false, false, false),
					attrDef("locality", "string", "readWrite", false, false, false),
					attrDef("region", "string", "readWrite", false, false, false),
					attrDef("postalCode", "string", "readWrite", false, false, false),
					attrDef("country", "string", "readWrite", false, false, false),
					attrDef("type", "string", "readWrite", false, false, false),
				),
				complexAttr("groups", true, false,
					attrDef("value", "string", "readOnly", false, false, false),
					attrDef("$ref", "reference", "readOnly", false, false, true),
					attrDef("display", "string", "readOnly", false, false, false),
					attrDef("type", "string", "readOnly", false, false, false),
				),
				multiValued("entitlements"),
				multiValued("roles"),
				multiValued("x509Certificates"),
			},
			"meta": map[string]any{
				"resourceType": "Schema",
				"location":     sc.BaseURL + "/Schemas/" + resource.SchemaUser,
			},
		},
		{
			"schemas":     []any{schemaSchema},
			"id":          resource.SchemaEnterpriseUser,
			"name":        "EnterpriseUser",
			"description": "Enterprise User",
			"attributes": []any{
				attrDef("employeeNumber", "string", "readWrite", false, false, false),
				attrDef("costCenter", "string", "readWrite", false, false, false),
				attrDef("organization", "string", "readWrite", false, false, false),
				attrDef("division", "string", "readWrite", false, false, false),
				attrDef("department", "string", "readWrite", false, false, false),
				complexAttr("manager", false, false,
					attrDef("value", "string", "readWrite", false, false, false),
					attrDef("$ref", "reference", "readWrite", false, false, true),
					attrDef("displayName", "string", "readOnly", false, false, false),
				),
			},
			"meta": map[string]any{
				"resourceType": "Schema",
				"location":     sc.BaseURL + "/Schemas/" + resource.SchemaEnterpriseUser,
			},
		},
		{
			"schemas":     []any{schemaSchema},
			"id":          resource.SchemaGroup,
			"name":        "Group",
			"description": "Group",
			"attributes": []any{
				attrDef("displayName", "string", "readWrite", false, true, false),
				complexAttr("members", true, false,
					attrDef("value", "string", "immutable", false, false, false),
					attrDef("$ref", "reference", "immutable", false, false, true),
					attrDef("display", "string", "readOnly", false, false, false),
					attrDef("type", "string", "immutable", false, false, false),
				),
			},
			"meta": map[string]any{
				"resourceType": "Schema",
				"location":     sc.BaseURL + "/Schemas/" + resource.SchemaGroup,
			},
		},
	}
}

// SchemaByID returns a single schema document.
func SchemaByID(sc Scope, id string) (resource.Document, bool) {
	for _, s := range Schemas(sc) {
		if s.GetString("id") == id {
			return s, true
		}
	}
	return nil, false
}
