// Package web holds the browser UI: the plot canvas, the device console and
// the connection form.
package web

import "embed"

//go:embed index.html style.css app.js
var FS embed.FS
