// Package staging drives reboot-deferred installs. Before reboot it
// verifies committed staged sessions on a background queue and hands
// module content to the activation service; after boot it resumes every
// restored staged session, confirms activation, and applies the non-module
// half through the ordinary install path.
package staging
