package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "batchmigrate"
)

// BBMNamespace is the prometheus namespace of batched migration engine metrics
var BBMNamespace = metrics.NewNamespace(NamespacePrefix, "bbm", nil)
