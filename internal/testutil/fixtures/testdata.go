// Package fixtures provides shared test data constants for the Cradle
// Container Platform test suite.
//
// Using common constants for test container identities prevents magic
// strings in tests and ensures consistency across packages.
package fixtures

// Standard container identity values used across lifecycle, registry,
// and integration tests.
const (
	// ContainerID is the default container ID for unit tests.
	ContainerID = "container-001"

	// ContainerKind is the default interior kind for unit tests.
	ContainerKind = "fake"

	// OwnerID is the default owning identity for unit tests.
	OwnerID = "owner-001"

	// AltContainerID is an alternative container ID for tests requiring
	// two containers.
	AltContainerID = "container-002"

	// AltOwnerID is an alternative owning identity for tests requiring
	// two owners.
	AltOwnerID = "owner-002"
)

// Standard identity values used in auth tests.
const (
	// TestSubject is the default subject claim for test identities.
	TestSubject = "user-abc-123"

	// TestIssuer is the default issuer for test identities.
	TestIssuer = "https://auth.cradle.test"

	// TestAudience is the default audience for test identities.
	TestAudience = "cradle-core"

	// TestServiceName is the default service name for service identities.
	TestServiceName = "test-service"

	// TestServiceVersion is the default service version for service identities.
	TestServiceVersion = "1.0.0"
)
