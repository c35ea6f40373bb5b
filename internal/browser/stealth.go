package browser

// initScript is installed on every new document before any page script
// runs. It covers the detection vectors the community stealth bundle
// leaves configurable: the webdriver flag, the chrome runtime object,
// and the notifications permission probe.
const initScript = `
(() => {
    'use strict';

    if (window.__gatewayInitApplied) {
        return;
    }
    window.__gatewayInitApplied = true;

    try {

    // Remove the webdriver property. Automation tools set
    // navigator.webdriver = true, the most common detection vector.
    Object.defineProperty(navigator, 'webdriver', {
        get: () => undefined,
        configurable: true
    });

    // Real Chrome browsers expose window.chrome with a runtime object.
    if (!window.chrome) {
        window.chrome = {};
    }
    if (!window.chrome.runtime) {
        window.chrome.runtime = {
            connect: function() { return { onMessage: { addListener: function() {} }, postMessage: function() {} }; },
            sendMessage: function() {},
            onMessage: { addListener: function() {} },
            id: undefined
        };
    }

    // Headless browsers answer the notifications permission probe with
    // 'denied'; pin it to a fixed state instead.
    if (window.navigator && window.navigator.permissions && window.navigator.permissions.query) {
        const originalQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
        window.navigator.permissions.query = (parameters) => {
            if (parameters.name === 'notifications') {
                return Promise.resolve({
                    state: typeof Notification !== 'undefined' ? Notification.permission : 'default',
                    onchange: null
                });
            }
            return originalQuery(parameters);
        };
    }

    } catch (e) {
        console.debug('[init] some patches failed:', e.message);
    }
})();
`
