package main

// General API documentation for swaggo. The registered document lives in
// the docs package.
//
// @title           qllmd API
// @version         1.0
// @description     HTTP API for sessions, streamed turns and embeddings over a locally loaded LLM.
//
// @contact.name   qllmd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
