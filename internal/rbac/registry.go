package rbac

import "github.com/pesaloop/pesaloop-backend/internal/domain"

// PermissionDef and RoleDef describe the seed catalog. The catalog is
// applied idempotently at startup; runtime grants live in the store.
type PermissionDef struct {
	Name        string
	Codename    string
	Method      domain.PermissionMethod
	Category    string
	IsSensitive bool
}

type RoleDef struct {
	Name        string
	Description string
	Level       domain.RoleLevel
	IsDefault   bool
	Permissions []string
}

// DefaultRoleName is granted to every new user at signup.
const DefaultRoleName = "customer"

func DefaultPermissions() []PermissionDef {
	return []PermissionDef{
		{Name: "View wallets", Codename: "wallet", Method: domain.MethodGet, Category: "wallet"},
		{Name: "Manage wallets", Codename: "wallet", Method: domain.MethodAll, Category: "wallet"},
		{Name: "View transactions", Codename: "transaction", Method: domain.MethodGet, Category: "transaction"},
		{Name: "Send money", Codename: "transfer", Method: domain.MethodPost, Category: "transaction"},
		{Name: "Request money", Codename: "payment_request", Method: domain.MethodPost, Category: "transaction"},
		{Name: "Resolve payment requests", Codename: "payment_request", Method: domain.MethodPatch, Category: "transaction"},
		{Name: "Exchange currency", Codename: "currency_exchange", Method: domain.MethodPost, Category: "forex"},
		{Name: "Top up wallet", Codename: "topup", Method: domain.MethodPost, Category: "topup"},
		{Name: "Request loan", Codename: "loan", Method: domain.MethodPost, Category: "credit"},
		{Name: "Approve loans", Codename: "loan_approval", Method: domain.MethodPost, Category: "credit", IsSensitive: true},
		{Name: "Reverse transactions", Codename: "transaction_reversal", Method: domain.MethodPost, Category: "transaction", IsSensitive: true},
		{Name: "Manage roles", Codename: "role_management", Method: domain.MethodAll, Category: "rbac", IsSensitive: true},
		{Name: "View users", Codename: "user", Method: domain.MethodGet, Category: "user"},
		{Name: "Manage users", Codename: "user", Method: domain.MethodAll, Category: "user", IsSensitive: true},
	}
}

func DefaultRoles() []RoleDef {
	return []RoleDef{
		{
			Name:        DefaultRoleName,
			Description: "Standard account holder",
			Level:       domain.RoleLevelBasic,
			IsDefault:   true,
			Permissions: []string{
				"wallet.GET", "wallet.ALL", "transaction.GET", "transfer.POST",
				"payment_request.POST", "payment_request.PATCH",
				"currency_exchange.POST", "topup.POST", "loan.POST",
			},
		},
		{
			Name:        "support",
			Description: "Customer support agent",
			Level:       domain.RoleLevelIntermediate,
			Permissions: []string{"wallet.GET", "transaction.GET", "user.GET"},
		},
		{
			Name:        "operations",
			Description: "Operations staff with loan and reversal authority",
			Level:       domain.RoleLevelSenior,
			Permissions: []string{
				"wallet.GET", "transaction.GET", "user.GET",
				"loan_approval.POST", "transaction_reversal.POST",
			},
		},
		{
			Name:        "administrator",
			Description: "Full platform administration",
			Level:       domain.RoleLevelAdministrator,
			Permissions: []string{
				"wallet.ALL", "transaction.GET", "user.ALL",
				"loan_approval.POST", "transaction_reversal.POST", "role_management.ALL",
			},
		},
	}
}
