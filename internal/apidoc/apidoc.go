// Package apidoc builds the OpenAPI document and Swagger UI page served by the API.
//
// The Swagger UI page is a thin shell: its stylesheet and script are fetched by the
// browser from unpkg.com (swagger-ui-dist 5). Browsers without internet access get a
// blank page; the OpenAPI document itself at SpecPath is always served locally.
package apidoc

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecPath is where the OpenAPI document is served.
const SpecPath = "/api-doc.json"

// Document returns the OpenAPI description of the public routes.
func Document(version string) *openapi3.T {
	plain := func(description string) *openapi3.ResponseRef {
		return &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription(description).
				WithContent(openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{"text/plain"})),
		}
	}

	image := openapi3.NewQueryParameter("image").
		WithDescription("URI of an image in a public remote container repository").
		WithRequired(true).
		WithSchema(openapi3.NewStringSchema())
	image.Example = "docker.io/nginx"

	health := openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, plain("Service is up and running")),
	)
	exists := openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, plain("Image exists")),
		openapi3.WithStatus(http.StatusBadRequest, plain("Missing or malformed query string")),
		openapi3.WithStatus(http.StatusNotFound, plain("Image lookup failed")),
		openapi3.WithStatus(http.StatusInternalServerError, plain("Internal server error")),
	)

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title: "image-registry-checker",
			Description: "Checks whether a container image is present in a public registry. " +
				"Only anonymous access is supported.",
			Version: version,
		},
		Paths: openapi3.NewPaths(),
	}
	doc.Paths.Set("/health", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "health",
			Summary:     "Liveness probe",
			Responses:   health,
		},
	})
	doc.Paths.Set("/exists", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "checkImage",
			Summary:     "Check whether an image exists",
			Parameters:  openapi3.Parameters{&openapi3.ParameterRef{Value: image}},
			Responses:   exists,
		},
	})
	return doc
}

// Validate checks the generated document against the OpenAPI 3 schema rules.
func Validate(ctx context.Context, doc *openapi3.T) error {
	if err := doc.Validate(ctx); err != nil {
		return fmt.Errorf("validate openapi document: %w", err)
	}
	return nil
}

//go:embed swagger.html.tmpl
var swaggerTemplate string

var swaggerPage = template.Must(template.New("swagger").Parse(swaggerTemplate))

// SwaggerUI renders the Swagger UI page pointing at specURL.
func SwaggerUI(specURL string) ([]byte, error) {
	var buf bytes.Buffer
	if err := swaggerPage.Execute(&buf, struct{ SpecURL string }{SpecURL: specURL}); err != nil {
		return nil, fmt.Errorf("render swagger ui: %w", err)
	}
	return buf.Bytes(), nil
}
