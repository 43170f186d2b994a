package constants

// Widget write routes, called cross-origin from the campaign site
const (
	RoutePledge         = "/pledge.do"
	RoutePayPalStart    = "/paypal.start"
	RoutePayPalDetails  = "/paypal.details"
	RoutePayPalComplete = "/paypal.complete"
)

// Read and self-service routes
const (
	RouteTotal           = "/total"
	RouteStripePublicKey = "/stripe_public_key"
	// UserUpdatePath is joined with the pledge nonce in receipt links
	UserUpdatePath  = "/user-update/"
	RouteUserUpdate = UserUpdatePath + ":nonce"
)

// Operator routes
const (
	RouteMetrics      = "/metrics"
	AdminGroup        = "/admin"
	RouteAdminJobs    = "/jobs"
	RouteAdminDead    = "/jobs/dead"
	RouteAdminRequeue = "/jobs/dead/:id/requeue"
)
