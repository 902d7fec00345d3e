package models

// transition is a (source, target) pair in the task lifecycle.
type transition struct {
	from, to TaskStatus
}

// legalTransitions is the closed set of non-override moves. Reject and QA
// fail both land back in created; reopening a committed task means creating
// a new one.
var legalTransitions = map[transition]bool{
	{StatusCreated, StatusApproved}:            true, // evaluate approve
	{StatusCreated, StatusCreated}:             true, // evaluate reject, comment required
	{StatusApproved, StatusUnderWork}:          true, // dev locks + starts
	{StatusUnderWork, StatusDevDone}:           true,
	{StatusDevDone, StatusTesting}:             true, // qa locks + starts
	{StatusTesting, StatusQADone}:              true, // qa pass
	{StatusTesting, StatusCreated}:             true, // qa fail, unlocks, comment required
	{StatusQADone, StatusDocumentationDone}:    true,
	{StatusDocumentationDone, StatusCommitted}: true,
}

// transitionAuthority maps each legal transition to the roles allowed to
// perform it. Empty slice means any role.
var transitionAuthority = map[transition][]Role{
	{StatusCreated, StatusApproved}:            {RoleArchitect, RoleProjectPM, RoleGlobalPM},
	{StatusCreated, StatusCreated}:             {RoleArchitect, RoleProjectPM, RoleGlobalPM},
	{StatusApproved, StatusUnderWork}:          {RoleFrontendDev, RoleBackendDev},
	{StatusUnderWork, StatusDevDone}:           {RoleFrontendDev, RoleBackendDev},
	{StatusDevDone, StatusTesting}:             {RoleQA},
	{StatusTesting, StatusQADone}:              {RoleQA},
	{StatusTesting, StatusCreated}:             {RoleQA},
	{StatusQADone, StatusDocumentationDone}:    {},
	{StatusDocumentationDone, StatusCommitted}: {RoleFrontendDev, RoleBackendDev},
}

// noteRequiredTransitions lists moves that must carry an explanation.
var noteRequiredTransitions = map[transition]bool{
	{StatusCreated, StatusCreated}: true, // rejection reason
	{StatusTesting, StatusCreated}: true, // qa failure reason
}

// LegalTransition reports whether from -> to is permitted without override.
func LegalTransition(from, to TaskStatus) bool {
	return legalTransitions[transition{from, to}]
}

// RoleMayTransition reports whether role may perform from -> to without
// override authority.
func RoleMayTransition(role Role, from, to TaskStatus) bool {
	roles, ok := transitionAuthority[transition{from, to}]
	if !ok {
		return false
	}
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// MayOverride reports whether role may force an arbitrary transition.
// Overrides are always changelogged with an "override" note.
func MayOverride(role Role) bool {
	return role == RoleArchitect || role.IsPM()
}

// TransitionRequiresNote reports whether from -> to must carry a note.
func TransitionRequiresNote(from, to TaskStatus) bool {
	return noteRequiredTransitions[transition{from, to}]
}

// ReEligibleAfter reports whether a task entering status becomes dispatchable
// again, waking project waiters. Approved tasks wake developers; dev_done
// tasks wake QA.
func ReEligibleAfter(status TaskStatus) bool {
	return status == StatusApproved || status == StatusDevDone
}
