package server

import (
	"context"
	"regexp"

	"visco/internal/wgapi"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// tenantDirectory — тенанты из конфига: форма id плюс необязательный allow-list.
// Каталог тенантов живёт вне этого сервиса.
type tenantDirectory struct {
	allowed map[string]struct{}
}

func newTenantDirectory(allowed []string) wgapi.TenantDirectory {
	d := &tenantDirectory{}
	if len(allowed) > 0 {
		d.allowed = make(map[string]struct{}, len(allowed))
		for _, t := range allowed {
			d.allowed[t] = struct{}{}
		}
	}
	return d
}

func (d *tenantDirectory) Resolve(_ context.Context, tenant string) (string, error) {
	if !tenantIDPattern.MatchString(tenant) {
		return "", wgapi.ErrUnknownTenant
	}
	if d.allowed != nil {
		if _, ok := d.allowed[tenant]; !ok {
			return "", wgapi.ErrUnknownTenant
		}
	}
	return tenant, nil
}
