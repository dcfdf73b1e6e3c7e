package store

import "fmt"

// Resource names used in tenant-scoped keys.
type Resource string

const (
	ResourceExecution Resource = "executions"
	ResourceResult    Resource = "results"
	ResourceAudit     Resource = "audit"
	ResourceQuota     Resource = "quota"
)

// TenantKey constructs a fully qualified key for a tenant resource.
// Format: kernelforge:tenants:{tenantID}:{resource}:{id}
func TenantKey(tenantID string, resource Resource, id string) string {
	return fmt.Sprintf("kernelforge:tenants:%s:%s:%s", tenantID, resource, id)
}

// TenantPrefix constructs a scan prefix for a tenant resource.
func TenantPrefix(tenantID string, resource Resource) string {
	return fmt.Sprintf("kernelforge:tenants:%s:%s:", tenantID, resource)
}
