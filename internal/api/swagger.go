package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISpec string

// RegisterDocs mounts the OpenAPI document and a Swagger UI configured to
// authorize against issuer with the public PKCE client clientID.
func RegisterDocs(e *echo.Echo, issuer, clientID string) {
	e.GET("/openapi.yaml", SpecHandler(issuer))
	e.GET("/docs", SwaggerHandler(issuer, clientID))
	e.GET("/docs/oauth2-redirect.html", OAuthRedirectHandler)
}

// SpecHandler serves the OpenAPI YAML with the {issuer} placeholder replaced
// by the configured identity provider.
func SpecHandler(issuer string) echo.HandlerFunc {
	spec := []byte(strings.ReplaceAll(openAPISpec, "{issuer}", issuer))
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", spec)
	}
}

// SwaggerHandler serves a Swagger UI page pointing at /openapi.yaml. The page
// loads its assets from the CDN.
func SwaggerHandler(issuer, clientID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		oauth2Redirect := c.Scheme() + "://" + c.Request().Host + "/docs/oauth2-redirect.html"
		html := strings.NewReplacer(
			"${SPEC_URL}", "/openapi.yaml",
			"${OAUTH2_REDIRECT}", oauth2Redirect,
			"${ISSUER}", issuer,
			"${CLIENT_ID}", clientID,
		).Replace(swaggerHTML)
		return c.HTML(http.StatusOK, html)
	}
}

// OAuthRedirectHandler serves the OAuth2 redirect page used by Swagger UI.
func OAuthRedirectHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, oauthRedirectHTML)
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Flowdeck API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    const ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
      oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
    });
    window.ui = ui;

    // public client, PKCE only
    ui.initOAuth({
      clientId: "${CLIENT_ID}",
      usePkceWithAuthorizationCodeGrant: true,
      additionalQueryStringParams: { issuer: "${ISSUER}" },
    });

    const style = document.createElement('style');
    style.textContent =
      " .dialog-ux input[name=\"client_id\"],\n" +
      " .dialog-ux label[for=\"client_id\"] {\n" +
      "     display: none !important;\n" +
      " }\n";
    document.head.appendChild(style);

    const observer = new MutationObserver(() => {
      const cidInput = document.querySelector('.dialog-ux input[name="client_id"]');
      if (cidInput) {
        cidInput.value = "${CLIENT_ID}";
      }
      const secretInput = document.querySelector('.dialog-ux input[name="client_secret"]');
      if (secretInput) {
        secretInput.placeholder = "not used, PKCE";
        secretInput.disabled = true;
      }
    });
    observer.observe(document.body, { childList: true, subtree: true });

    const tokenBox = document.createElement('textarea');
    tokenBox.readOnly = true;
    tokenBox.rows = 2;
    tokenBox.style.width = '100%';
    tokenBox.placeholder = 'Bearer token will appear here after authorization';
    const container = document.createElement('div');
    container.style.margin = '10px 0';
    container.appendChild(tokenBox);
    document.body.insertBefore(container, document.getElementById('swagger-ui'));

    function updateToken() {
      try {
        const auth = ui.getState().getIn(['auth', 'authorized']);
        const first = auth && auth.first && auth.first();
        const token = first && first.getIn(['token', 'access_token']);
        if (token) {
          tokenBox.value = token;
        }
      } catch (e) {
        // ui not ready yet
      }
    }
    const interval = setInterval(updateToken, 1000);
    setTimeout(() => clearInterval(interval), 60000);
  }
  </script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`
