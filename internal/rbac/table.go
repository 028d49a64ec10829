package rbac

import "fleetdiag/internal/models"

// Resource names a protected area of the application.
type Resource string

const (
	ResourceCompanies   Resource = "companies"
	ResourceUsers       Resource = "users"
	ResourceTrucks      Resource = "trucks"
	ResourceProjects    Resource = "projects"
	ResourceDiagnostics Resource = "diagnostics"
	ResourceSummaries   Resource = "summaries"
	ResourceWarranty    Resource = "warranty"
	ResourceCustomers   Resource = "customers"
	ResourceEstimates   Resource = "estimates"
	ResourceInvoices    Resource = "invoices"
	ResourceParts       Resource = "parts"
	ResourcePricing     Resource = "pricing"
	ResourceReports     Resource = "reports"
	ResourceKnowledge   Resource = "knowledge"
	ResourceSafety      Resource = "safety"
	ResourceTeam        Resource = "team"
)

// Action names an operation on a resource.
type Action string

const (
	ActionCreate   Action = "create"
	ActionRead     Action = "read"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionAssign   Action = "assign"
	ActionGenerate Action = "generate"
	ActionAnalyze  Action = "analyze"
	ActionApprove  Action = "approve"
	ActionOrder    Action = "order"
	ActionCurate   Action = "curate"
	ActionManage   Action = "manage"
)

type capabilities struct {
	grants       map[Resource][]Action
	allCompanies bool
}

// permissions is the single source of truth for every permission decision.
// Adding a role or resource means editing this table, never a call site.
var permissions = map[models.Role]capabilities{
	models.RoleMasterAdmin: {
		grants: map[Resource][]Action{
			ResourceCompanies:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceUsers:       {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceTrucks:      {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceProjects:    {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionAssign},
			ResourceDiagnostics: {ActionRead, ActionGenerate},
			ResourceSummaries:   {ActionRead, ActionGenerate},
			ResourceWarranty:    {ActionRead, ActionAnalyze},
			ResourceCustomers:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceEstimates:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionApprove},
			ResourceInvoices:    {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceParts:       {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionOrder, ActionApprove},
			ResourcePricing:     {ActionRead, ActionUpdate},
			ResourceReports:     {ActionRead, ActionGenerate},
			ResourceKnowledge:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionCurate},
			ResourceSafety:      {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceTeam:        {ActionRead, ActionManage},
		},
		allCompanies: true,
	},
	models.RoleCompanyAdmin: {
		grants: map[Resource][]Action{
			ResourceCompanies:   {ActionRead, ActionUpdate},
			ResourceUsers:       {ActionCreate, ActionRead, ActionUpdate},
			ResourceTrucks:      {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceProjects:    {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionAssign},
			ResourceDiagnostics: {ActionRead, ActionGenerate},
			ResourceSummaries:   {ActionRead, ActionGenerate},
			ResourceWarranty:    {ActionRead, ActionAnalyze},
			ResourceCustomers:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceEstimates:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionApprove},
			ResourceInvoices:    {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceParts:       {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionOrder, ActionApprove},
			ResourcePricing:     {ActionRead, ActionUpdate},
			ResourceReports:     {ActionRead, ActionGenerate},
			ResourceKnowledge:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionCurate},
			ResourceSafety:      {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceTeam:        {ActionRead, ActionManage},
		},
	},
	models.RoleOfficeManager: {
		grants: map[Resource][]Action{
			ResourceCompanies:   {ActionRead},
			ResourceUsers:       {ActionRead},
			ResourceTrucks:      {ActionCreate, ActionRead, ActionUpdate},
			ResourceProjects:    {ActionCreate, ActionRead, ActionUpdate, ActionAssign},
			ResourceDiagnostics: {ActionRead},
			ResourceSummaries:   {ActionRead},
			ResourceWarranty:    {ActionRead},
			ResourceCustomers:   {ActionCreate, ActionRead, ActionUpdate},
			ResourceEstimates:   {ActionCreate, ActionRead, ActionUpdate, ActionApprove},
			ResourceInvoices:    {ActionCreate, ActionRead, ActionUpdate},
			ResourceParts:       {ActionCreate, ActionRead, ActionUpdate, ActionOrder},
			ResourcePricing:     {ActionRead, ActionUpdate},
			ResourceReports:     {ActionRead, ActionGenerate},
			ResourceKnowledge:   {ActionRead},
			ResourceSafety:      {ActionRead},
			ResourceTeam:        {ActionRead},
		},
	},
	models.RoleShopSupervisor: {
		grants: map[Resource][]Action{
			ResourceCompanies:   {ActionRead},
			ResourceUsers:       {ActionRead},
			ResourceTrucks:      {ActionCreate, ActionRead, ActionUpdate},
			ResourceProjects:    {ActionCreate, ActionRead, ActionUpdate, ActionAssign},
			ResourceDiagnostics: {ActionRead, ActionGenerate},
			ResourceSummaries:   {ActionRead, ActionGenerate},
			ResourceWarranty:    {ActionRead},
			ResourceCustomers:   {ActionRead},
			ResourceEstimates:   {ActionRead},
			ResourceInvoices:    {ActionRead},
			ResourceParts:       {ActionCreate, ActionRead, ActionUpdate, ActionApprove},
			ResourcePricing:     {ActionRead},
			ResourceReports:     {ActionRead},
			ResourceKnowledge:   {ActionCreate, ActionRead},
			ResourceSafety:      {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceTeam:        {ActionRead, ActionManage},
		},
	},
	models.RoleTechnician: {
		grants: map[Resource][]Action{
			ResourceCompanies:   {ActionRead},
			ResourceUsers:       {ActionRead},
			ResourceTrucks:      {ActionRead},
			ResourceProjects:    {ActionCreate, ActionRead, ActionUpdate},
			ResourceDiagnostics: {ActionRead, ActionGenerate},
			ResourceSummaries:   {ActionRead},
			ResourceWarranty:    {ActionRead},
			ResourceCustomers:   {ActionRead},
			ResourceEstimates:   {ActionRead},
			ResourceInvoices:    {ActionRead},
			ResourceParts:       {ActionRead},
			ResourcePricing:     {},
			ResourceReports:     {},
			ResourceKnowledge:   {ActionCreate, ActionRead},
			ResourceSafety:      {ActionRead},
			ResourceTeam:        {ActionRead},
		},
	},
}
