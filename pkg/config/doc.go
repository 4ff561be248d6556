// Package config loads deployment settings from REGISTRAR_* environment
// variables. Defaults are declared on the struct tags of Config; Validate
// enforces the constraints that tags cannot express (driver names, audit
// mode, positive retention, a parseable sweep schedule, MAX_ADMINS >= 1).
package config
