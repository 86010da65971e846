// Package openapi builds the OpenAPI 3.1 document describing the gatehouse
// HTTP API.
package openapi

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/storefront/gatehouse/internal/authz"
	"github.com/storefront/gatehouse/internal/model"
)

// Generate returns the API document served at /openapi.json. An empty
// baseURL leaves the servers list out.
func Generate(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Gatehouse API",
			Description: "Authentication, lockout and audit gateway for the storefront back-office.",
			Version:     version,
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"bearerAuth": {}},
	}

	doc.Components.Schemas["ErrorResponse"] = errorSchema()
	doc.Components.Schemas["Account"] = accountSchema()
	doc.Components.Schemas["AuditEntry"] = auditEntrySchema()
	doc.Components.Schemas["Session"] = sessionSchema()

	doc.Paths = openapi3.NewPaths()
	addAuthPaths(doc)
	addAccountPaths(doc)
	addAuditPaths(doc)

	return doc
}

// ─── Paths ──────────────────────────────────────────────────────────────────

func addAuthPaths(doc *openapi3.T) {
	sessionRef := ref("Session")

	login := operation("auth", "login", "Sign in with email and password",
		newResponses("200", "Session issued", sessionRef, "401", "403", "423", "429"))
	login.RequestBody = jsonBody("Credentials", object(openapi3.Schemas{
		"email":    str("", "email"),
		"password": str("", "password"),
	}, "email", "password"))
	login.Security = &openapi3.SecurityRequirements{}

	current := operation("auth", "get_session", "Describe the signed-in admin and their capabilities",
		newResponses("200", "Principal", principalSchema(), "401", "403"))
	logout := operation("auth", "logout", "Sign out; the logout is audited",
		newResponses("200", "Signed out", successSchema(), "401"))

	doc.Paths.Set("/api/v1/auth/session", &openapi3.PathItem{
		Post:   login,
		Get:    current,
		Delete: logout,
	})

	federated := operation("auth", "login_federated", "Sign in with an ID token from a trusted issuer",
		newResponses("200", "Session issued", sessionRef, "401", "403", "423", "429"))
	federated.RequestBody = jsonBody("Provider token", object(openapi3.Schemas{
		"provider_token": str("", ""),
	}, "provider_token"))
	federated.Security = &openapi3.SecurityRequirements{}
	doc.Paths.Set("/api/v1/auth/federated", &openapi3.PathItem{Post: federated})

	refresh := operation("auth", "refresh_session", "Exchange a still-valid token for a new one",
		newResponses("200", "Session refreshed", sessionRef, "401", "403"))
	doc.Paths.Set("/api/v1/auth/session/refresh", &openapi3.PathItem{Post: refresh})
}

func addAccountPaths(doc *openapi3.T) {
	accountRef := ref("Account")

	list := operation("accounts", "list_accounts", requires("List admin accounts", authz.AccountsRead),
		newResponses("200", "Accounts", listSchema(accountRef), "401", "403"))
	create := operation("accounts", "create_account", requires("Create an admin account", authz.AccountsManage),
		newResponses("201", "Created account", accountRef, "400", "401", "403", "409"))
	create.RequestBody = jsonBody("New account", object(openapi3.Schemas{
		"email":        str("", "email"),
		"display_name": str("", ""),
		"role":         roleSchema(),
		"password":     str("Optional local password.", "password"),
	}, "email", "role"))
	doc.Paths.Set("/api/v1/system/account", &openapi3.PathItem{Get: list, Post: create})

	idParam := &openapi3.ParameterRef{Value: openapi3.NewPathParameter("id").
		WithSchema(openapi3.NewStringSchema()).WithDescription("Identity ID")}

	get := operation("accounts", "get_account", requires("Get an admin account", authz.AccountsRead),
		newResponses("200", "Account", accountRef, "401", "403", "404"))
	update := operation("accounts", "update_account", requires("Change role, status or display name", authz.AccountsManage),
		newResponses("200", "Updated account", accountRef, "400", "401", "403", "404"))
	update.RequestBody = jsonBody("Fields to change", object(openapi3.Schemas{
		"display_name": str("", ""),
		"role":         roleSchema(),
		"is_active":    {Value: openapi3.NewBoolSchema()},
	}))
	doc.Paths.Set("/api/v1/system/account/{id}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Get:        get,
		Put:        update,
	})

	unlock := operation("accounts", "unlock_account", requires("Clear a lockout", authz.AccountsManage),
		newResponses("200", "Unlocked account", accountRef, "401", "403", "404"))
	doc.Paths.Set("/api/v1/system/account/{id}/unlock", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Post:       unlock,
	})
}

func addAuditPaths(doc *openapi3.T) {
	list := operation("audit", "query_audit", requires("Query the audit ledger, newest first", authz.AuditRead),
		newResponses("200", "Audit entries", listSchema(ref("AuditEntry")), "400", "401", "403"))
	list.Parameters = openapi3.Parameters{
		queryParam("identity", "Identity key (normalized email)", openapi3.NewStringSchema()),
		queryParam("action", "Audit action", actionSchema().Value),
		queryParam("since", "RFC 3339 lower bound", openapi3.NewDateTimeSchema()),
		queryParam("until", "RFC 3339 upper bound", openapi3.NewDateTimeSchema()),
		queryParam("limit", "Maximum entries (1-1000)", openapi3.NewInt32Schema()),
	}
	doc.Paths.Set("/api/v1/system/audit", &openapi3.PathItem{Get: list})
}

// ─── Operation Builders ─────────────────────────────────────────────────────

func operation(tag, id, summary string, responses *openapi3.Responses) *openapi3.Operation {
	return &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     summary,
		OperationID: id,
		Responses:   responses,
	}
}

func requires(summary string, c authz.Capability) string {
	return fmt.Sprintf("%s (requires %s)", summary, c)
}

func jsonBody(description string, schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: description,
			Required:    true,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	}
}

func queryParam(name, description string, schema *openapi3.Schema) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter(name).WithSchema(schema).WithDescription(description),
	}
}

// errorDescriptions covers every error status the API returns.
var errorDescriptions = map[string]string{
	"400": "Bad request",
	"401": "Unauthorized",
	"403": "Forbidden, inactive or not permitted",
	"404": "Not found",
	"409": "Conflict",
	"423": "Account locked; see Retry-After",
	"429": "Too many attempts; see Retry-After",
}

// newResponses builds a Responses map with a success response, the listed
// error responses and a 500.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errorCodes ...string) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := ref("ErrorResponse")
	for _, code := range append(errorCodes, "500") {
		desc, ok := errorDescriptions[code]
		if !ok {
			desc = "Internal server error"
		}
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

// ─── Schemas ────────────────────────────────────────────────────────────────

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func str(description, format string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"string"},
		Format:      format,
		Description: description,
	}}
}

func object(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: props,
		Required:   required,
	}}
}

func enum[T ~string](values []T) *openapi3.SchemaRef {
	s := openapi3.NewStringSchema()
	for _, v := range values {
		s.Enum = append(s.Enum, string(v))
	}
	return &openapi3.SchemaRef{Value: s}
}

func roleSchema() *openapi3.SchemaRef {
	return enum(model.Roles)
}

func actionSchema() *openapi3.SchemaRef {
	return enum([]model.AuditAction{
		model.ActionLoginSuccess, model.ActionLoginFailed, model.ActionLoginBlocked, model.ActionLogout,
	})
}

func listSchema(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return object(openapi3.Schemas{
		"resource": {Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items}},
		"meta": object(openapi3.Schemas{
			"count": {Value: openapi3.NewInt64Schema()},
			"limit": {Value: openapi3.NewInt32Schema()},
		}),
	})
}

func successSchema() *openapi3.SchemaRef {
	return object(openapi3.Schemas{"success": {Value: openapi3.NewBoolSchema()}})
}

func errorSchema() *openapi3.SchemaRef {
	return object(openapi3.Schemas{
		"error": object(openapi3.Schemas{
			"code":    {Value: openapi3.NewInt32Schema()},
			"message": str("", ""),
			"context": {Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
		}),
	})
}

func accountSchema() *openapi3.SchemaRef {
	return object(openapi3.Schemas{
		"identity_id":     str("", ""),
		"email":           str("", "email"),
		"display_name":    str("", ""),
		"role":            roleSchema(),
		"is_active":       {Value: openapi3.NewBoolSchema()},
		"failed_attempts": {Value: openapi3.NewInt32Schema()},
		"is_locked":       {Value: openapi3.NewBoolSchema()},
		"locked_until":    str("", "date-time"),
		"last_failed_at":  str("", "date-time"),
		"last_login_at":   str("", "date-time"),
		"created_at":      str("", "date-time"),
		"updated_at":      str("", "date-time"),
	})
}

func auditEntrySchema() *openapi3.SchemaRef {
	return object(openapi3.Schemas{
		"id":           str("K-sortable entry ID", ""),
		"action":       actionSchema(),
		"identity_key": str("", ""),
		"status":       enum([]string{model.StatusSuccess, model.StatusFailure, model.StatusBlocked}),
		"reason":       str("", ""),
		"timestamp":    str("", "date-time"),
		"metadata": {Value: &openapi3.Schema{
			Type:                 &openapi3.Types{"object"},
			AdditionalProperties: openapi3.AdditionalProperties{Schema: str("", "")},
		}},
	})
}

func sessionSchema() *openapi3.SchemaRef {
	return object(openapi3.Schemas{
		"session_token": str("", ""),
		"token_type":    str("", ""),
		"expires_at":    str("", "date-time"),
		"expires_in":    {Value: openapi3.NewInt32Schema()},
		"identity_id":   str("", ""),
		"email":         str("", "email"),
		"role":          roleSchema(),
	})
}

func principalSchema() *openapi3.SchemaRef {
	caps := make([]string, len(authz.Capabilities))
	for i, c := range authz.Capabilities {
		caps[i] = string(c)
	}
	return object(openapi3.Schemas{
		"identity_id": str("", ""),
		"email":       str("", "email"),
		"role":        roleSchema(),
		"capabilities": {Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: enum(caps),
		}},
	})
}
