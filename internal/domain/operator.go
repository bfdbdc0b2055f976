package domain

// Role — пул операторов.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleConfirmation Role = "confirmation"
	RolePreparation  Role = "preparation"
	RoleLogistics    Role = "logistics"
)

// SystemOperatorID — субъект автоматических действий (распределение, ребаланс, ремонт).
const SystemOperatorID = "system"

// Operator — учётная запись сотрудника.
type Operator struct {
	ID   string
	Name string
	Role Role
	// Supervisor — руководитель пула своей роли, может назначать заказы.
	Supervisor bool
	Active     bool
}

// IsAdmin сообщает, что оператор является администратором.
func (o Operator) IsAdmin() bool {
	return o.Role == RoleAdmin
}

// CanAssignFor проверяет право оператора назначать заказы в пул role.
func (o Operator) CanAssignFor(role Role) bool {
	if !o.Active {
		return false
	}
	return o.IsAdmin() || (o.Supervisor && o.Role == role)
}

// Valid проверяет, что роль известна.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleConfirmation, RolePreparation, RoleLogistics:
		return true
	default:
		return false
	}
}

// RoleRoute описывает, из каких состояний пул забирает заказ и в какое переводит.
type RoleRoute struct {
	Role    Role
	Sources []StateKind
	Target  StateKind
}

var roleRoutes = map[Role]RoleRoute{
	RoleConfirmation: {
		Role:    RoleConfirmation,
		Sources: []StateKind{StateNew, StateReturnToConfirmation},
		Target:  StateToConfirm,
	},
	RolePreparation: {
		Role:    RolePreparation,
		Sources: []StateKind{StateConfirmed, StateToPrint},
		Target:  StateInPreparation,
	},
	RoleLogistics: {
		Role:    RoleLogistics,
		Sources: []StateKind{StatePacked, StatePrepared},
		Target:  StateInDelivery,
	},
}

// RouteFor возвращает маршрут назначения для роли.
func RouteFor(role Role) (RoleRoute, bool) {
	r, ok := roleRoutes[role]
	return r, ok
}

// AcceptsFrom сообщает, что заказ в состоянии kind может быть назначен в пул.
func (r RoleRoute) AcceptsFrom(kind StateKind) bool {
	for _, s := range r.Sources {
		if s == kind {
			return true
		}
	}
	return false
}

// PoolRoles возвращает роли, у которых есть пул назначения, в порядке прохождения заказа.
func PoolRoles() []Role {
	return []Role{RoleConfirmation, RolePreparation, RoleLogistics}
}
