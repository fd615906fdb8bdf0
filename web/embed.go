package web

import "embed"

// FS holds the gate dashboard (HTML, CSS, JS) served at /.
//
//go:embed *.html *.css *.js
var FS embed.FS
