package security

import "context"

type ctxKey int

const (
	userKey ctxKey = iota
	localeKey
)

// SystemUser bypasses permission checks
const SystemUser = "system"

// WithUser returns a context that runs as user
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// CurrentUser returns the user carried by ctx, or SystemUser
func CurrentUser(ctx context.Context) string {
	if user, ok := ctx.Value(userKey).(string); ok && user != "" {
		return user
	}
	return SystemUser
}

// WithLocale overrides the locale given to nodes created under ctx
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, localeKey, locale)
}

// LocaleFrom returns the locale override carried by ctx
func LocaleFrom(ctx context.Context) (string, bool) {
	locale, ok := ctx.Value(localeKey).(string)
	return locale, ok && locale != ""
}
