package errors

// Code represents a stable error code surfaced across the API boundary.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"              // Unknown error occurred
	CodeInternalError       Code = "INTERNAL_ERROR"       // Internal system error
	CodeIoError             Code = "IO_ERROR"             // Input/output operation failed
	CodeInvalidParameter    Code = "INVALID_PARAMETER"    // Invalid parameter provided
	CodeNotFound            Code = "NOT_FOUND"            // Agent, version, deployment or device absent
	CodeAlreadyExists       Code = "ALREADY_EXISTS"       // Resource already exists
	CodeConflict            Code = "CONFLICT"             // Target name/port occupied and not reconcilable
	CodePackageInvalid      Code = "PACKAGE_INVALID"      // Package failed manifest validation
	CodeLicenseRequired     Code = "LICENSE_REQUIRED"     // Paid agent without an active license
	CodePrerequisiteMissing Code = "PREREQUISITE_MISSING" // Tooling or credentials absent
	CodeTargetUnreachable   Code = "TARGET_UNREACHABLE"   // Remote endpoint failed to respond
	CodeBuildFailed         Code = "BUILD_FAILED"         // Artifact could not be produced
	CodeDeployFailed        Code = "DEPLOY_FAILED"        // Target rejected the artifact
	CodeTimeout             Code = "TIMEOUT"              // Subprocess or remote call exceeded its deadline
	CodePlatformUnknown     Code = "PLATFORM_UNKNOWN"     // No deployer registered for the platform
	CodeInvalidState        Code = "INVALID_STATE"        // Deployment state transition not allowed
)
