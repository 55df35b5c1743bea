// Package browser provides the browser driver layer used by relay.
//
// The core never talks to Playwright directly. It works against the Page
// capability set defined here, which keeps the automation flows testable with
// the scripted fake in package browsertest.
//
// # Architecture
//
// The package is built around three concepts:
//
//  1. Launcher: starts a persistent browser context (PlaywrightLauncher)
//  2. SessionManager: owns the single context and hands out pages as Leases
//  3. Chain: an ordered list of selector strategies tried first to last
//
// # Session Lifecycle
//
// The context is launched lazily by the first Acquire and reused by every
// later task. Each Acquire raises an in-flight counter that its Lease lowers
// exactly once on Release:
//
//  1. Acquire: launch if needed, then return the primary page if it is free,
//     or a fresh one
//  2. Use: the task drives the page it was given and nothing else
//  3. Release: the counter drops; Close also closes a non-shared page
//  4. Reclaim: RunReaper closes the context after the idle timeout
//
// A primary page closed underneath the manager is reopened on the next
// Acquire.
//
// # Example Usage
//
//	mgr := browser.NewSessionManager(
//	    browser.NewPlaywrightLauncher(browser.LaunchOptions{ProfileDir: dir}),
//	    browser.ManagerOptions{ReusePage: true},
//	    logger,
//	)
//	lease, err := mgr.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
//
//	_ = lease.Page.Goto("https://example.com", 30*time.Second)
package browser
