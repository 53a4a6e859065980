package domain

// Principal — вызывающая сторона после проверки токена (или гостевая сессия).
type Principal struct {
	UserID       string
	Admin        bool
	GuestSession string
}

// Authenticated сообщает, что запрос пришёл от авторизованного пользователя.
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// Identity возвращает владельца корзины: пользователь важнее гостевой сессии.
func (p Principal) Identity() (CartIdentity, bool) {
	if p.UserID != "" {
		return UserIdentity(p.UserID), true
	}
	if p.GuestSession != "" {
		return GuestIdentity(p.GuestSession), true
	}
	return CartIdentity{}, false
}

// CanAccess проверяет доступ к ресурсу владельца: сам владелец или администратор.
func (p Principal) CanAccess(owner CartIdentity) bool {
	if p.Admin && p.Authenticated() {
		return true
	}
	if p.UserID != "" && owner == UserIdentity(p.UserID) {
		return true
	}
	return p.GuestSession != "" && owner == GuestIdentity(p.GuestSession)
}
