package deployment

import "fmt"

// Environment identifies one stage of the promotion chain. Environments are
// totally ordered: a module reaches Production only by passing through every
// lower environment first.
type Environment int

const (
	Development Environment = iota
	QA
	Staging
	Production
)

// Environments lists all environments in ascending promotion order.
var Environments = []Environment{Development, QA, Staging, Production}

func (e Environment) String() string {
	switch e {
	case Development:
		return "Development"
	case QA:
		return "QA"
	case Staging:
		return "Staging"
	case Production:
		return "Production"
	default:
		return fmt.Sprintf("Environment(%d)", int(e))
	}
}

// ParseEnvironment maps a name back to its Environment.
func ParseEnvironment(name string) (Environment, error) {
	switch name {
	case "Development":
		return Development, nil
	case "QA":
		return QA, nil
	case "Staging":
		return Staging, nil
	case "Production":
		return Production, nil
	default:
		return Development, fmt.Errorf("unknown environment %q", name)
	}
}

// Path returns the promotion path from Development up to and including e.
func (e Environment) Path() []Environment {
	path := make([]Environment, 0, int(e)+1)
	for env := Development; env <= e; env++ {
		path = append(path, env)
	}
	return path
}

// NodeCount returns the canonical cluster size for the environment.
func (e Environment) NodeCount() int {
	switch e {
	case Development:
		return 3
	case QA:
		return 5
	case Staging:
		return 10
	case Production:
		return 20
	default:
		return 0
	}
}
