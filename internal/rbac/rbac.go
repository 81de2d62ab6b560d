package rbac

import "inkmark/api/internal/annotation"

type Role string
type Action string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionAnnotate Action = "annotate"
	ActionSubmit   Action = "submit"
	ActionGrade    Action = "grade"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleTeacher:
		return action == ActionRead || action == ActionAnnotate || action == ActionGrade
	case RoleStudent:
		return action == ActionRead || action == ActionAnnotate || action == ActionSubmit
	default:
		return false
	}
}

// CanOwn reports whether role may persist annotation sets of the given owner
// type. Students write student sets; teachers and admins write teacher sets.
func CanOwn(role Role, owner annotation.OwnerType) bool {
	switch role {
	case RoleStudent:
		return owner == annotation.OwnerStudent
	case RoleTeacher, RoleAdmin:
		return owner == annotation.OwnerTeacher
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}
