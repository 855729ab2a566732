// Package httpapi exposes the event handler over HTTP.
//
// Routes:
//
//	GET    /eventhandler                                                      banner
//	POST   /eventhandler/publish                                              publish an event
//	POST   /eventhandler/subscription                                         register a subscription
//	GET    /eventhandler/subscription?eventType=&consumer=                    list subscriptions
//	DELETE /eventhandler/subscription/type/{eventType}/consumer/{consumerName} delete a subscription
//	GET    /healthz                                                           liveness
//	GET    /readyz                                                            store reachability
//	GET    /metrics                                                           prometheus
//
// Errors are written as application/problem+json. Validation failures carry
// per-field messages under "errors".
//
// When an IdempotencyStore is configured, a publish carrying an
// Idempotency-Key header fans out at most once per key; repeats within the
// retention window replay the first response.
package httpapi
