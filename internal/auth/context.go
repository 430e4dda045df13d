package auth

import "context"

type subjectKey struct{}

// WithSubject 把已验证的主体放入上下文，nil 时原样返回。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 返回上下文中的主体，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// TenantFromContext 返回已认证请求的租户 ID。
func TenantFromContext(ctx context.Context) (string, bool) {
	subject := SubjectFromContext(ctx)
	if subject == nil || subject.TenantID == "" {
		return "", false
	}
	return subject.TenantID, true
}
