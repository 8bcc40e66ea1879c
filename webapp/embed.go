// Package webapp provides the embedded device pages.
package webapp

import "embed"

//go:embed settings.html sd.html style.css app.js
var Assets embed.FS
