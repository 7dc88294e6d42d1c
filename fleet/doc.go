// Package fleet supervises the bot worker processes.
//
// MainSupervisor keeps exactly one main worker running from the credential
// pool, provisioning new credentials when the pool runs dry.
// ReferralSupervisor keeps at most one worker per referral owner, choosing
// the owner's primary record when it is healthy and a reserve otherwise.
//
// Credentials are only retired on a probe result of Invalid. Crashes, hangs
// and unreachable probes stop or skip a worker without touching its
// credential.
package fleet
