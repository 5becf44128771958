// Package openapi derives an OpenAPI 3.0 document from the routes registered
// on an Echo instance and serves it with a Swagger UI page.
package openapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// Doc describes one operation. Routes without a Doc are still listed, with
// a generated summary.
type Doc struct {
	Summary     string
	Tag         string
	RequestBody string // component schema name
	Response    string // component schema name
	Public      bool   // no bearer token
	Signed      bool   // HMAC signature instead of a bearer token
}

// Generator builds the document from e.Routes() at request time, so routes
// registered after the generator are included.
type Generator struct {
	e       *echo.Echo
	title   string
	version string
	docs    map[string]Doc
	schemas map[string]interface{}
}

func NewGenerator(e *echo.Echo, title, version string) *Generator {
	return &Generator{
		e:       e,
		title:   title,
		version: version,
		docs:    make(map[string]Doc),
		schemas: map[string]interface{}{"Error": errorSchema},
	}
}

// Describe attaches documentation to the route method path, where path uses
// echo's :param syntax.
func (g *Generator) Describe(method, path string, d Doc) *Generator {
	g.docs[method+" "+path] = d
	return g
}

// Schema registers a component schema.
func (g *Generator) Schema(name string, schema map[string]interface{}) *Generator {
	g.schemas[name] = schema
	return g
}

var documentedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// toOpenAPIPath rewrites /requests/:id to /requests/{id} and returns the
// parameter names in order.
func toOpenAPIPath(path string) (string, []string) {
	segs := strings.Split(path, "/")
	var params []string
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			params = append(params, s[1:])
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/"), params
}

func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, s := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '-' || r == '.' }) {
		if strings.HasPrefix(s, ":") {
			b.WriteString("By")
			s = s[1:]
		}
		b.WriteString(strings.ToUpper(s[:1]) + s[1:])
	}
	return b.String()
}

func jsonContent(schema string) map[string]interface{} {
	return map[string]interface{}{
		"application/json": map[string]interface{}{
			"schema": map[string]interface{}{"$ref": "#/components/schemas/" + schema},
		},
	}
}

func (g *Generator) operation(method, path string, params []string) map[string]interface{} {
	d, documented := g.docs[method+" "+path]
	if d.Summary == "" {
		d.Summary = method + " " + path
	}
	op := map[string]interface{}{
		"summary":     d.Summary,
		"operationId": operationID(method, path),
	}
	if d.Tag != "" {
		op["tags"] = []string{d.Tag}
	}

	if len(params) > 0 {
		ps := make([]map[string]interface{}, 0, len(params))
		for _, p := range params {
			ps = append(ps, map[string]interface{}{
				"name": p, "in": "path", "required": true,
				"schema": map[string]string{"type": "string"},
			})
		}
		op["parameters"] = ps
	}
	if d.RequestBody != "" {
		op["requestBody"] = map[string]interface{}{"required": true, "content": jsonContent(d.RequestBody)}
	}

	ok := map[string]interface{}{"description": "Success"}
	if d.Response != "" {
		ok["content"] = jsonContent(d.Response)
	}
	responses := map[string]interface{}{"200": ok}
	if documented && !d.Public {
		responses["default"] = map[string]interface{}{"description": "Error", "content": jsonContent("Error")}
	}
	op["responses"] = responses

	switch {
	case d.Public:
		op["security"] = []map[string][]string{}
	case d.Signed:
		op["security"] = []map[string][]string{{"callbackSignature": {}}}
	}
	return op
}

// GenerateSpec produces the OpenAPI 3.0 spec as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	routes := g.e.Routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})

	paths := make(map[string]interface{})
	for _, r := range routes {
		if !documentedMethods[r.Method] || strings.Contains(r.Path, "*") {
			continue
		}
		p, params := toOpenAPIPath(r.Path)
		item, _ := paths[p].(map[string]interface{})
		if item == nil {
			item = make(map[string]interface{})
			paths[p] = item
		}
		item[strings.ToLower(r.Method)] = g.operation(r.Method, r.Path, params)
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"paths":    paths,
		"security": []map[string][]string{{"bearerAuth": {}}},
		"components": map[string]interface{}{
			"schemas": g.schemas,
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]string{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
				"callbackSignature": map[string]string{
					"type": "apiKey", "in": "header", "name": "X-Callback-Signature",
				},
			},
		},
	}
}

var errorSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"message": map[string]string{"type": "string"},
	},
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>API docs</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({ url: "/openapi.json", dom_id: "#swagger-ui", deepLinking: true });
  </script>
</body>
</html>`

// RegisterRoutes serves GET /openapi.json and GET /docs on g.
func (g *Generator) RegisterRoutes(grp *echo.Group) {
	grp.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	grp.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
