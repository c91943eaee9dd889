// Package intercept substitutes the responses of matched requests.
//
// A host (see internal/proxy) matches a request with a Matcher, hands the
// Interceptor a Filter for the suspended response, and starts the returned
// Session. The original response keeps flowing into Session.OnData, where it
// is dropped, while the session resolves the target in the background and
// either writes the fetched payload and closes the filter, or closes it empty.
package intercept
