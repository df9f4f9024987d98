package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISpec string

// SpecHandler serves the OpenAPI YAML spec with the {serverUrl}
// placeholder replaced by the address the client used.
func SpecHandler(c echo.Context) error {
	spec := strings.ReplaceAll(openAPISpec, "{serverUrl}", baseURL(c))
	return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
}

// SwaggerHandler serves the Swagger UI page. The page loads the official
// CDN-hosted assets, so no static files are checked in.
func SwaggerHandler(c echo.Context) error {
	html := strings.ReplaceAll(swaggerHTML, "${SPEC_URL}", "/openapi.yaml")
	return c.HTML(http.StatusOK, html)
}

// baseURL derives scheme and host from the request; Scheme() honours
// X-Forwarded-Proto when running behind a proxy.
func baseURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Voice Orchestrator API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    window.ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout"
    });
  }
  </script>
</body>
</html>`
