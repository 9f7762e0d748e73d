// Package appconf holds application-level configuration shared across packages.
package appconf

// Environment identifies the runtime environment the process was started in.
type Environment int

const (
	Development Environment = iota
	Test
	Production
)

// EnvFlagToEnvironment maps an environment flag value to an Environment,
// defaulting to Development for unrecognized values.
func EnvFlagToEnvironment(flag string) Environment {
	switch flag {
	case "production":
		return Production
	case "test":
		return Test
	default:
		return Development
	}
}

func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Test:
		return "test"
	default:
		return "development"
	}
}
