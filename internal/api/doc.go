// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /health is an unconditional liveness probe answering "Ok".
//   - GET /exists?image=<ref> runs one lookup and answers 200 "ok", 404
//     "Image <ref> does not exist", or 500 with an empty body when the lookup
//     could not be performed. A missing or malformed query string is a 400.
//   - GET /metrics for Prometheus scraping.
//   - GET /api-doc.json and /swagger-ui/ when docs are enabled.
package api
