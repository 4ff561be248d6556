// Package auth carries the authenticated principal through a request.
//
// Authentication happens upstream. The principal middleware resolves the
// user id it is handed into a Principal and stores it on the context, where
// the Guard and the handlers read it back with PrincipalFromContext.
package auth
