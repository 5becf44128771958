package priorauth

import (
	"net/http"

	"github.com/priorauth/priorauth/internal/platform/openapi"
)

func docSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	docString  = map[string]interface{}{"type": "string"}
	docInteger = map[string]interface{}{"type": "integer"}
	docTime    = map[string]interface{}{"type": "string", "format": "date-time"}
	docObject  = map[string]interface{}{"type": "object", "additionalProperties": true}
)

func statusEnum() map[string]interface{} {
	values := make([]string, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		values = append(values, string(s))
	}
	return map[string]interface{}{"type": "string", "enum": values}
}

// DescribeAPI documents the routes mounted by Handler.RegisterRoutes.
func DescribeAPI(g *openapi.Generator) {
	g.Schema("Request", docSchema(map[string]interface{}{
		"requestId":       docString,
		"status":          statusEnum(),
		"remarks":         docString,
		"workflowStep":    docString,
		"metadata":        docObject,
		"appliedEventSeq": docInteger,
		"createdAt":       docTime,
		"lastUpdatedAt":   docTime,
	}))
	g.Schema("UserAction", docSchema(map[string]interface{}{
		"actionId":     docString,
		"requestId":    docString,
		"actionType":   docString,
		"actionStatus": map[string]interface{}{"type": "string", "enum": []string{string(ActionPending), string(ActionCompleted)}},
		"requestedAt":  docTime,
		"actionedAt":   docTime,
		"metadata":     docObject,
	}))
	g.Schema("CreateRequest", docSchema(map[string]interface{}{
		"userId":   docString,
		"prompt":   docString,
		"metadata": docObject,
	}))
	g.Schema("ValidateInput", docSchema(map[string]interface{}{
		"payerId":   docString,
		"patientId": docString,
		"data":      docObject,
	}, "payerId"))
	g.Schema("CallbackEvent", docSchema(map[string]interface{}{
		"requestId":          docString,
		"status":             docString,
		"message":            docString,
		"metadata":           docObject,
		"userActionRequired": map[string]interface{}{"type": "boolean"},
		"actionType":         docString,
		"workflowStep":       docString,
		"screenshot_url":     docString,
		"timestamp":          docTime,
	}, "requestId", "status"))
	g.Schema("ResolveAction", docSchema(map[string]interface{}{"responseData": docObject}))
	g.Schema("Stats", docSchema(map[string]interface{}{
		"since":          docTime,
		"total":          docInteger,
		"byStatus":       map[string]interface{}{"type": "object", "additionalProperties": map[string]string{"type": "integer"}},
		"pendingActions": docInteger,
		"successRate":    map[string]interface{}{"type": "number"},
	}))
	g.Schema("PayerBreakdown", docSchema(map[string]interface{}{
		"since": docTime,
		"payers": map[string]interface{}{"type": "array", "items": docSchema(map[string]interface{}{
			"payerId":            docString,
			"total":              docInteger,
			"completed":          docInteger,
			"failed":             docInteger,
			"pending":            docInteger,
			"userActionRequired": docInteger,
			"successRate":        map[string]interface{}{"type": "number"},
		})},
	}))
	g.Schema("Screenshot", docSchema(map[string]interface{}{
		"screenshot_url": docString,
		"workflowStep":   docString,
		"metadata":       docObject,
	}, "screenshot_url"))

	const tag = "prior-auth"
	g.Describe(http.MethodGet, "/api/v1/requests", openapi.Doc{Summary: "List requests, optionally by status", Tag: tag}).
		Describe(http.MethodPost, "/api/v1/requests", openapi.Doc{Summary: "Create a request", Tag: tag, RequestBody: "CreateRequest", Response: "Request"}).
		Describe(http.MethodGet, "/api/v1/requests/:id", openapi.Doc{Summary: "Get a request", Tag: tag, Response: "Request"}).
		Describe(http.MethodGet, "/api/v1/requests/:id/actions", openapi.Doc{Summary: "List a request's actions", Tag: tag}).
		Describe(http.MethodGet, "/api/v1/requests/:id/timeline", openapi.Doc{Summary: "Request history", Tag: tag}).
		Describe(http.MethodPost, "/api/v1/requests/:id/validate", openapi.Doc{Summary: "Validate payer and patient data", Tag: tag, RequestBody: "ValidateInput"}).
		Describe(http.MethodPost, "/api/v1/requests/:id/trigger", openapi.Doc{Summary: "Start the automation run", Tag: tag, Response: "Request"}).
		Describe(http.MethodPost, "/api/v1/requests/:id/actions/:actionId/resolve", openapi.Doc{Summary: "Resolve a pending user action", Tag: tag, RequestBody: "ResolveAction"}).
		Describe(http.MethodGet, "/api/v1/actions/pending", openapi.Doc{Summary: "Pending user actions", Tag: tag}).
		Describe(http.MethodGet, "/api/v1/dashboard/stats", openapi.Doc{Summary: "Status counts and success rate", Tag: tag, Response: "Stats"}).
		Describe(http.MethodGet, "/api/v1/dashboard/payer-stats", openapi.Doc{Summary: "Request counts and success rate per payer", Tag: tag, Response: "PayerBreakdown"}).
		Describe(http.MethodPost, "/api/v1/automation/callback", openapi.Doc{Summary: "Automation status callback", Tag: "automation", RequestBody: "CallbackEvent", Signed: true}).
		Describe(http.MethodPost, "/api/v1/automation/screenshot/:id", openapi.Doc{Summary: "Record a captured screenshot", Tag: "automation", RequestBody: "Screenshot", Signed: true})
}
