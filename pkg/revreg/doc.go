/*
Package revreg manages revocation registries for anoncreds credential
definitions.

A Service ties the parts together for a set of tenant profiles:

  - the revocation engine (package revocation) creates registries, hands out
    credential indices, publishes revocations and swaps full registries for
    their backups;
  - the DefaultRevocationSetup saga (package saga) reacts to finished
    credential definitions by creating an active registry and one spare;
  - recovery (package recovery) resumes saga steps a restart interrupted.

All of them talk over one in-process event bus (package event), scoped by
profile name.

# Usage

	svc, err := revreg.New(settings, revreg.Deps{
	    Library:   lib,
	    Registrar: ledger,
	})
	if err != nil {
	    return err
	}
	if err := svc.Start(ctx, true); err != nil {
	    return err
	}
	defer svc.Close(context.Background())

	err = svc.NotifyCredentialDefinitionFinished(ctx, "default", topic.CredDefPayload{
	    CredDefID:         credDefID,
	    IssuerID:          issuerID,
	    SupportRevocation: true,
	})

	res, err := svc.Issuer().IssueCredential(ctx, p, revocation.IssueRequest{...})

Saga steps that give up are parked on Parked for an operator. Mount
RecoveryMiddleware in front of the tenant API to recover each profile lazily
on its first request.
*/
package revreg
